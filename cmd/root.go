package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "linkdata",
	Short: "Temporal-geographic linkage of survey data to daily environmental measures",
	Long:  "Links longitudinal survey/biomarker records to daily environmental exposure data (heat index, PM2.5, ozone) across configurable day lags, resolving each respondent's residence on each lagged date.",
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
