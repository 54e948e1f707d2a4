package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbes/netmeter/internal/broadcast"
	"github.com/bigbes/netmeter/internal/config"
	"github.com/bigbes/netmeter/internal/kvstore"
	"github.com/bigbes/netmeter/internal/logging"
	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/sampler"
	"github.com/bigbes/netmeter/internal/server"
)

const logo = `
  _ __   ___| |_ _ __ ___   ___| |_ ___ _ __
 | '_ \ / _ \ __| '_ ' _ \ / _ \ __/ _ \ '__|
 | | | |  __/ |_| | | | | |  __/ ||  __/ |
 |_| |_|\___|\__|_| |_| |_|\___|\__\___|_|`

// shutdownTimeout bounds the final state flush.
const shutdownTimeout = 5 * time.Second

func NewRunCommand(configPath *string, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the traffic monitor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configPath, version)
		},
	}
}

func runDaemon(configPath, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.ParseLogLevel(), cfg.LogFormat)

	if cfg.LogFormat != "json" {
		fmt.Fprintln(os.Stderr, logo)
	}
	logger.Info("starting netmeter", "version", version, "config", configPath)
	logBuildInfo(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := kvstore.Open(ctx, cfg.Storage, logger.With("component", "kvstore"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	logger.Info("storage opened", "type", cfg.Storage.Type)

	smp, err := sampler.New(cfg.DeviceSampler, logger.With("component", "sampler"))
	if err != nil {
		return err
	}
	defaults, err := cfg.DefaultSettings()
	if err != nil {
		return err
	}

	mon := monitor.New(store, monitor.Options{
		Defaults:        defaults,
		HistoryCapacity: cfg.HistoryCapacity,
		Sampler:         smp,
	}, logger.With("component", "monitor"))
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mon.Close(closeCtx); err != nil {
			logger.Error("failed to flush state on shutdown", "err", err)
		}
	}()

	if obs := cfg.Observability; obs.Addr != "" {
		go func() {
			if err := server.RunObservability(ctx, obs, logger); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	hub := broadcast.New(mon, logger.With("component", "broadcast"))
	go hub.Run(ctx)

	srv := server.New(
		protocol.NewDispatcher(mon, logger.With("component", "protocol")),
		mon,
		hub,
		cfg.Listen,
		cfg.Token,
		logger.With("component", "server"),
	)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

func logBuildInfo(logger *slog.Logger) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var buildAttrs []any
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
			buildAttrs = append(buildAttrs, s.Key, s.Value)
		}
	}
	if len(buildAttrs) > 0 {
		logger.Info("build info", buildAttrs...)
	}
}
