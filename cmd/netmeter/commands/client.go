package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/netmeter/internal/client"
	"github.com/bigbes/netmeter/internal/config"
	"github.com/bigbes/netmeter/internal/logging"
)

// dialDaemon loads the config and builds a client for the daemon it
// describes. A non-empty addr overrides the configured listen address.
func dialDaemon(configPath, addr string) (*client.Client, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.ParseLogLevel(), cfg.LogFormat)

	if addr == "" {
		addr = cfg.Listen
	}
	c, err := client.New(addr, cfg.Token, logger.With("component", "client"))
	if err != nil {
		return nil, nil, err
	}
	return c, logger, nil
}
