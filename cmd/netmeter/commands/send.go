package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/bigbes/netmeter/internal/protocol"
)

func NewSendCommand(configPath *string) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <action> [mode=...] [units=...] [theme=...] [interval=...]",
		Short: "Send one protocol message to the daemon and print the reply",
		Example: `  netmeter send getData
  netmeter send setDataUnits units=GB
  netmeter send setUpdateInterval interval=2000`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args[0], args[1:])
			if err != nil {
				return err
			}
			c, _, err := dialDaemon(*configPath, addr)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			body, err := c.Send(ctx, req)
			if len(body) > 0 {
				fmt.Fprintln(os.Stdout, strings.TrimSpace(string(body)))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (defaults to the configured listen address)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// buildRequest turns key=value arguments into a protocol request. An
// integer interval is sent as a JSON number, anything else as a string.
func buildRequest(action string, params []string) (protocol.Request, error) {
	req := protocol.Request{Action: action}
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return req, fmt.Errorf("invalid parameter %q, expected key=value", p)
		}
		switch key {
		case "mode":
			req.Mode = value
		case "units":
			req.Units = value
		case "theme":
			req.Theme = value
		case "interval":
			if n, err := strconv.Atoi(value); err == nil {
				req.Interval = json.RawMessage(strconv.Itoa(n))
			} else {
				req.Interval = json.RawMessage(strconv.Quote(value))
			}
		default:
			return req, fmt.Errorf("unknown parameter %q", key)
		}
	}
	return req, nil
}
