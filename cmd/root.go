package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jse-datasphere/standardize-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "standardize-cli",
	Short: "JSE line-item standardization pipeline",
	Long:  "Maps raw line items from Jamaica Stock Exchange financial statements onto each company's curated vocabulary, using exact matching plus LLM-assisted fallback, and maintains the standardized warehouse tables.",
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
