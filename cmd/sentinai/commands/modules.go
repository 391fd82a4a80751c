package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/modctx"
	"github.com/sentinai/sentinai/internal/store"
	"github.com/spf13/cobra"
)

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the bundled detection modules in their registry run order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				cfg = config.Defaults()
			}

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			reg := buildRegistry(logger)
			ctx := modctx.New(store.NewMemory(), nil, cfg, logger)

			fmt.Println()
			fmt.Println("  sentinai modules")
			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  %-24s %-8s %-10s %s\n", "ID", "ORDER", "ENABLED", "NAME")
			for _, mod := range reg.All() {
				fmt.Printf("  %-24s %-8d %-10t %s\n", mod.ID(), mod.Order(), mod.IsEnabled(ctx), mod.Name())
			}
			fmt.Println()
			return nil
		},
	}
}
