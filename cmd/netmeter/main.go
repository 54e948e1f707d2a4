package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bigbes/netmeter/cmd/netmeter/commands"
	"github.com/bigbes/netmeter/internal/config"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "netmeter",
		Short:         "netmeter - traffic meter daemon and clients",
		Long:          `netmeter aggregates observed network traffic into per-source counters and serves them to the popup and widget clients.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")

	rootCmd.AddCommand(
		commands.NewRunCommand(&configPath, version),
		commands.NewPopupCommand(&configPath),
		commands.NewWidgetCommand(&configPath),
		commands.NewSendCommand(&configPath),
		commands.NewInitCommand(&configPath),
		commands.NewShowConfCommand(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
