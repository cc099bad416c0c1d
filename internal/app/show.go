package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"quota-watch/internal/model"
	"quota-watch/internal/storage"
)

// Show prints the latest stored sample of every source.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	sources, err := store.ListSources(ctx)
	if err != nil {
		return err
	}
	latest, err := store.LatestSamples(ctx)
	if err != nil {
		return err
	}
	bySource := make(map[string]model.Sample, len(latest))
	for _, s := range latest {
		bySource[s.SourceID] = s
	}
	if len(sources) == 0 {
		fmt.Fprintln(os.Stdout, "no sources registered")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tKind\tUsed\tLimit\tUsed%\tNext reset\tFetched (UTC)\tStatus")
	for _, src := range sources {
		if !src.Active && !opts.All {
			continue
		}
		s, ok := bySource[src.ID]
		if !ok {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\t-\t-\tno data\n", src.DisplayName, src.Kind)
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			src.DisplayName,
			src.Kind,
			formatFloat(s.Used, 2),
			formatLimit(s.Available),
			formatFloat(s.UsedPercent(), 1),
			formatReset(s.NextResetAt),
			s.FetchedAt.UTC().Format(time.RFC3339),
			sanitizeInline(s.StatusMessage),
		)
	}
	writer.Flush()
	return nil
}

// History prints stored samples of one source.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	if opts.SourceID == "" {
		return errors.New("source id is required")
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	q := storage.HistoryQuery{SourceID: opts.SourceID, Limit: opts.Limit}
	if opts.Hours > 0 {
		q.From = time.Now().UTC().Add(-time.Duration(opts.Hours) * time.Hour)
	}
	samples, err := store.ListSamples(ctx, q)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUsed\tLimit\tUsed%\tAvailable\tLatency\tStatus")
	for _, s := range samples {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%dms\t%s\n",
			s.FetchedAt.UTC().Format(time.RFC3339),
			formatFloat(s.Used, 2),
			formatLimit(s.Available),
			formatFloat(s.UsedPercent(), 1),
			s.IsAvailable,
			s.LatencyMs,
			sanitizeInline(s.StatusMessage),
		)
	}
	writer.Flush()
	return nil
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

func formatLimit(v float64) string {
	if v <= 0 {
		return "-"
	}
	return formatFloat(v, 2)
}

func formatReset(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
