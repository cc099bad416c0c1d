package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
)

func (a *App) resolveAnalytics(opts AnalyticsOptions) AnalyticsOptions {
	if opts.LookbackHours == 0 {
		opts.LookbackHours = a.Config.Analytics.DefaultLookbackHours
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = a.Config.Analytics.DefaultMaxSamples
	}
	return opts
}

// BurnRate prints consumption forecasts.
func (a *App) BurnRate(ctx context.Context, opts AnalyticsOptions) error {
	opts = a.resolveAnalytics(opts)
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	out, err := a.newEngine(store).GetBurnRateForecasts(ctx, opts.SourceIDs, opts.LookbackHours, opts.MaxSamples)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tSamples\tRate/day\tRemaining\tDays left\tNote")
	for _, id := range sortedKeys(out) {
		f := out[id]
		if !f.IsAvailable {
			fmt.Fprintf(writer, "%s\t%d\t-\t-\t-\t%s\n", id, f.SampleCount, f.Reason)
			continue
		}
		days := "-"
		if f.DaysUntilExhausted != nil {
			days = formatFloat(*f.DaysUntilExhausted, 1)
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\n", id, f.SampleCount,
			formatFloat(f.BurnRatePerDay, 2), formatFloat(f.RemainingUnits, 2), days, f.Reason)
	}
	return writer.Flush()
}

// Anomalies prints anomaly verdicts on the latest usage delta.
func (a *App) Anomalies(ctx context.Context, opts AnalyticsOptions) error {
	opts = a.resolveAnalytics(opts)
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	out, err := a.newEngine(store).GetUsageAnomalies(ctx, opts.SourceIDs, opts.LookbackHours, opts.MaxSamples)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tAnomaly\tDirection\tLatest Δ\tMean Δ\tSpread\tNote")
	for _, id := range sortedKeys(out) {
		r := out[id]
		if !r.IsAvailable {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\t%s\n", id, r.Reason)
			continue
		}
		fmt.Fprintf(writer, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n", id, r.HasAnomaly, r.Direction,
			formatFloat(r.LatestDelta, 2), formatFloat(r.BaselineMean, 2), formatFloat(r.BaselineSpread, 2), r.Reason)
	}
	return writer.Flush()
}

// Reliability prints fetch success statistics.
func (a *App) Reliability(ctx context.Context, opts AnalyticsOptions) error {
	opts = a.resolveAnalytics(opts)
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	out, err := a.newEngine(store).GetProviderReliability(ctx, opts.SourceIDs, opts.LookbackHours, opts.MaxSamples)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tSamples\tSuccess%\tErrors\tAvg latency\tLast error")
	for _, id := range sortedKeys(out) {
		r := out[id]
		if !r.IsAvailable {
			fmt.Fprintf(writer, "%s\t0\t-\t-\t-\t\n", id)
			continue
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%d\t%sms\t%s\n", id, r.TotalSamples,
			formatFloat(r.SuccessRate*100, 1), r.ErrorCount, formatFloat(r.AvgLatencyMs, 0), sanitizeInline(r.LastError))
	}
	return writer.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
