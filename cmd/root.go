package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stitchandsole/leadsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "leadsync",
	Short: "Lead capture for the Stitch & Sole repair desk",
	Long:  "Syncs WhatsApp photo submissions into repair leads, dedups them against Shopify orders and past estimations, and prepares vision-assisted estimates.",
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
