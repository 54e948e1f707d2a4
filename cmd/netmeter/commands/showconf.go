package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bigbes/netmeter/internal/config"
)

func NewShowConfCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "showconf",
		Short: "Print the effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "# %s\n", *configPath)
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}
