package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-reconciler/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "listing-reconciler",
	Short: "Incremental reconciliation engine for marketplace listing scrapes",
	Long:  "Deduplicates scraped business-for-sale listings into canonical entities, merges fields by confidence, and keeps a replayable audit log of every change.",
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
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
