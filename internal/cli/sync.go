package cli

import (
	"github.com/spf13/cobra"

	"github.com/PedroDnT/delos-oracle/internal/app"
)

var (
	syncRates  []string
	syncDryRun bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot fetch-and-submit cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SyncOptions{
			RateTypes: syncRates,
			DryRun:    syncDryRun,
		}
		return getApp().Sync(cmd.Context(), opts)
	},
}

func init() {
	syncCmd.Flags().StringSliceVar(&syncRates, "rates", nil, "Rate types to sync (default: all)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Fetch and report without submitting on-chain")
}
