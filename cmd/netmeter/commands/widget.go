package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbes/netmeter/internal/widget"
)

// reconnectDelay is the pause between widget channel reconnects.
const reconnectDelay = 2 * time.Second

func NewWidgetCommand(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Show the one-line traffic widget fed by the daemon push channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := dialDaemon(*configPath, addr)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			w := widget.New(c, logger.With("component", "widget"))
			defer w.Close()
			w.Create(ctx)

			var last string
			show := func() {
				if line := w.State().Render(); line != last {
					last = line
					fmt.Fprintln(os.Stdout, line)
				}
			}
			show()

			for {
				err := c.Subscribe(ctx, func(raw []byte) {
					w.Handle(ctx, raw)
					show()
				})
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					logger.Warn("widget channel lost, falling back to polling", "err", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(reconnectDelay):
					show()
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (defaults to the configured listen address)")
	return cmd
}
