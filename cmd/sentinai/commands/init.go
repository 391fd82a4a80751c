package commands

import (
	"fmt"
	"os"

	"github.com/sentinai/sentinai/internal/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Example: `  sentinai init
  sentinai --config custom.yaml init --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists, pass --force to overwrite", cfgFile)
			}

			cfg := config.Defaults()
			cfg.Modules = map[string]config.Module{
				"credential-guard": {Enabled: true},
				"query-shield":     {Enabled: true},
				"bola-detection":   {Enabled: true},
				"data-leak-prevention": {
					Enabled: true,
					Config:  map[string]any{"mode": "redact"},
				},
			}

			if err := cfg.Save(cfgFile); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			fmt.Printf("Wrote %s\n", cfgFile)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
