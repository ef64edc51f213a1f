package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PedroDnT/delos-oracle/internal/app"
)

var (
	showRate      string
	showLimit     int
	showAnomalies bool
	showRuns      bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent observations, anomalies, or scheduler runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showAnomalies && showRuns {
			return fmt.Errorf("--anomalies and --runs are mutually exclusive")
		}

		opts := app.ShowOptions{
			RateType:  showRate,
			Limit:     showLimit,
			Anomalies: showAnomalies,
			Runs:      showRuns,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showRate, "rate", "", "Limit output to one rate type")
	showCmd.Flags().IntVar(&showLimit, "limit", 10, "Number of rows per listing")
	showCmd.Flags().BoolVar(&showAnomalies, "anomalies", false, "List recent detected anomalies")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "List recent scheduler runs")
}
