package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexandria/dna-validator/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "dna-validator",
	Short: "Match DNA analysis names against the thinker and classics catalogs",
	Long:  "Extracts thinker and work names from new DNA analysis records, resolves them to reference entities by exact, prior and LLM matching, and records matched and unmatched names.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
