package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbes/netmeter/internal/popup"
)

func NewPopupCommand(configPath *string) *cobra.Command {
	var (
		addr     string
		speed    bool
		once     bool
		interval time.Duration
		start    bool
		stop     bool
	)

	cmd := &cobra.Command{
		Use:   "popup",
		Short: "Show live traffic counters, speed and usage insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			if start && stop {
				return fmt.Errorf("--start and --stop are mutually exclusive")
			}
			c, logger, err := dialDaemon(*configPath, addr)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			p := popup.New(c, popup.Options{}, logger.With("component", "popup"))
			if start || stop {
				if err := p.SetMonitoring(ctx, start); err != nil {
					return err
				}
			}
			if once {
				if err := p.Refresh(ctx); err != nil {
					return err
				}
				printView(os.Stdout, p.View())
				return nil
			}

			p.Start(ctx, speed)
			defer p.Stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				printView(os.Stdout, p.View())
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (defaults to the configured listen address)")
	cmd.Flags().BoolVar(&speed, "speed", false, "sample transfer speed")
	cmd.Flags().BoolVar(&once, "once", false, "print a single snapshot and exit")
	cmd.Flags().DurationVar(&interval, "interval", popup.RefreshInterval, "print interval")
	cmd.Flags().BoolVar(&start, "start", false, "start monitoring before showing counters")
	cmd.Flags().BoolVar(&stop, "stop", false, "stop monitoring before showing counters")
	return cmd
}

func printView(w io.Writer, v popup.View) {
	status := "stopped"
	if v.Monitoring {
		status = "monitoring"
	}
	if v.Degraded {
		status += " (daemon unreachable)"
	}

	fmt.Fprintf(w, "=== %s ===\n", status)
	fmt.Fprintf(w, "Sent:       %s %s\n", v.Data.Sent, v.Data.Units)
	fmt.Fprintf(w, "Received:   %s %s\n", v.Data.Received, v.Data.Units)
	fmt.Fprintf(w, "Total:      %s %s\n", v.Data.Total, v.Data.Units)
	if v.SpeedMonitoring {
		fmt.Fprintf(w, "Speed:      %.2f Mbps\n", v.SpeedMbps)
	}
	in := v.Insights
	fmt.Fprintf(w, "Packets:    %d sent, %d received\n", in.SentPackets, in.ReceivedPackets)
	fmt.Fprintf(w, "Avg packet: %.0f B\n", in.AvgTotalBytes)
	fmt.Fprintf(w, "Inbound:    %d%% of traffic\n", in.EfficiencyPercent)
	fmt.Fprintf(w, "Peak usage: %s %s\n", in.PeakUsage, in.Units)
	fmt.Fprintln(w)
}
