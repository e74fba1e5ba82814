package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var syncRefresh bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one lead sync pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.Run(ctx, syncRefresh)
		if err != nil {
			return eris.Wrap(err, "sync pass")
		}

		zap.L().Info("sync pass complete",
			zap.Int("added", report.Added),
			zap.Int("skipped", report.Skipped),
		)

		// Print result JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncRefresh, "refresh", false, "force a phone index rebuild before the pass")
	rootCmd.AddCommand(syncCmd)
}
