package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sentinai/sentinai/internal/auditlog"
	"github.com/sentinai/sentinai/internal/config"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration and a recent verdict summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			fmt.Println()
			fmt.Println("  sentinai status")
			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  Enabled:       %t\n", cfg.Enabled)
			fmt.Printf("  Mode:          %s\n", colorizeMode(string(cfg.Mode)))
			fmt.Printf("  Store:         %s\n", cfg.Store.Type)
			fmt.Printf("  AI provider:   %s\n", orNone(cfg.AI.Provider))
			fmt.Printf("  Excludes:      %d configured\n", len(cfg.ExcludePaths))
			fmt.Printf("  Config:        %s\n", cfgFile)

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			store, err := auditlog.Open("sentinai.db", logger)
			if err == nil {
				defer func() { _ = store.Close() }()

				entries, _ := store.Query(auditlog.QueryOpts{Limit: 10000})
				var blocked, throttled, challenged, logged int
				for _, e := range entries {
					switch e.Verdict.Action.String() {
					case "block":
						blocked++
					case "throttle":
						throttled++
					case "challenge":
						challenged++
					case "log":
						logged++
					}
				}

				fmt.Println("  ────────────────────────────────────────")
				fmt.Printf("  Recorded verdicts: %d\n", len(entries))
				fmt.Printf("  Blocked:           %d\n", blocked)
				fmt.Printf("  Throttled:         %d\n", throttled)
				fmt.Printf("  Challenged:        %d\n", challenged)
				fmt.Printf("  Logged:            %d\n", logged)
			}

			fmt.Println()
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
