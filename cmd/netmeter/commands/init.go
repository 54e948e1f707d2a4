package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bigbes/netmeter/internal/config"
)

func NewInitCommand(configPath *string) *cobra.Command {
	var (
		listen  string
		storage string
		force   bool
		noToken bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil && !force {
				return fmt.Errorf("config %s already exists, use --force to overwrite", *configPath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := &config.Config{Listen: listen}
			cfg.Storage.Type = storage
			if err := cfg.Complete(); err != nil {
				return err
			}
			if !noToken {
				cfg.Token = uuid.NewString()
			}

			if err := cfg.Save(*configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Println("=== Config initialized ===")
			fmt.Printf("Config:  %s\n", *configPath)
			fmt.Printf("Listen:  %s\n", cfg.Listen)
			fmt.Printf("Storage: %s\n", cfg.Storage.Type)
			if cfg.Token != "" {
				fmt.Printf("Token:   %s\n", cfg.Token)
			}
			fmt.Println()
			fmt.Println("Run 'netmeter run' to start the daemon.")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "daemon listen address")
	cmd.Flags().StringVar(&storage, "storage", "", "storage backend: sqlite, redis or memory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().BoolVar(&noToken, "no-token", false, "leave the API unauthenticated")
	return cmd
}
