package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// NewRoot builds the sentinai command tree.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinai",
		Short: "In-process API security middleware",
		Long:  "SentinAI — detection pipeline, decision store, and filter adapter for API request/response security. No external dependencies beyond the configured store and optional AI backend.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "sentinai.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newModulesCmd(),
		newRulesCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	return root
}
