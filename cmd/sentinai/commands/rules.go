package commands

import (
	"context"
	"fmt"

	"github.com/garagon/aguara"
	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	var explain string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List or explain the content-risk rules Query-Shield's opportunistic scanner uses",
		Example: `  sentinai rules
  sentinai rules --explain <rule-id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if explain != "" {
				detail, err := aguara.ExplainRule(explain)
				if err != nil {
					return err
				}
				fmt.Printf("Rule: %s\n", detail.ID)
				fmt.Printf("Name: %s\n", detail.Name)
				fmt.Printf("Severity: %s\n", detail.Severity)
				fmt.Printf("Category: %s\n", detail.Category)
				fmt.Printf("Description: %s\n", detail.Description)
				fmt.Println("\nPatterns:")
				for _, p := range detail.Patterns {
					fmt.Printf("  %s\n", p)
				}
				return nil
			}

			allRules := aguara.ListRules()
			fmt.Printf("Loaded %d content-risk rules (contentscan ships no custom rule pack):\n\n", len(allRules))
			for _, r := range allRules {
				fmt.Printf("  %-12s %-10s %s\n", r.ID, r.Severity, r.Name)
			}

			result, err := aguara.ScanContent(context.Background(), "test", "test.md")
			if err != nil {
				return fmt.Errorf("engine check: %w", err)
			}
			fmt.Printf("\nEngine status: OK (%d rules loaded)\n", result.RulesLoaded)
			return nil
		},
	}

	cmd.Flags().StringVar(&explain, "explain", "", "explain a specific rule by ID")
	return cmd
}
