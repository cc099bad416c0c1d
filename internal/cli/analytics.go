package cli

import (
	"github.com/spf13/cobra"

	"quota-watch/internal/app"
)

var analyticsOpts app.AnalyticsOptions

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Burn-rate, anomaly and reliability reports from stored history",
}

var burnCmd = &cobra.Command{
	Use:   "burn",
	Short: "Forecast when each quota runs out",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().BurnRate(cmd.Context(), analyticsOpts)
	},
}

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Flag unusual jumps in recent usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Anomalies(cmd.Context(), analyticsOpts)
	},
}

var reliabilityCmd = &cobra.Command{
	Use:   "reliability",
	Short: "Show fetch success rates per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reliability(cmd.Context(), analyticsOpts)
	},
}

func init() {
	analyticsCmd.PersistentFlags().StringSliceVar(&analyticsOpts.SourceIDs, "source", nil, "Restrict to these source ids (default all)")
	analyticsCmd.PersistentFlags().IntVar(&analyticsOpts.LookbackHours, "lookback-hours", 0, "History window in hours (defaults to config)")
	analyticsCmd.PersistentFlags().IntVar(&analyticsOpts.MaxSamples, "max-samples", 0, "Samples per source (defaults to config)")

	analyticsCmd.AddCommand(burnCmd, anomaliesCmd, reliabilityCmd)
}
