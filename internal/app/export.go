package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"quota-watch/internal/model"
	"quota-watch/internal/storage"
)

// Export renders stored history as CSV and/or a PNG chart of used percent.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	q := storage.HistoryQuery{SourceID: opts.SourceID}
	if opts.From != nil {
		q.From = opts.From.UTC()
	}
	if opts.To != nil {
		q.To = opts.To.UTC()
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamples(ctx, q)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	series := groupBySource(samples)
	exported := 0
	for id, list := range series {
		series[id] = downsampleSamples(list, opts.MaxPoints)
		exported += len(series[id])
	}
	a.Logger.Info().Int("total", len(samples)).Int("exported", exported).Int("sources", len(series)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

func groupBySource(samples []model.Sample) map[string][]model.Sample {
	out := make(map[string][]model.Sample)
	for _, s := range samples {
		out[s.SourceID] = append(out[s.SourceID], s)
	}
	return out
}

func sortedIDs(series map[string][]model.Sample) []string {
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func downsampleSamples(samples []model.Sample, max int) []model.Sample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]model.Sample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, series map[string][]model.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"source_id", "fetched_at", "used", "available", "used_pct", "is_available", "next_reset_at", "latency_ms", "status"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, id := range sortedIDs(series) {
		for _, s := range series[id] {
			reset := ""
			if s.NextResetAt != nil {
				reset = s.NextResetAt.UTC().Format(time.RFC3339)
			}
			record := []string{
				s.SourceID,
				s.FetchedAt.UTC().Format(time.RFC3339),
				formatFloat(s.Used, 4),
				formatFloat(s.Available, 4),
				formatFloat(s.UsedPercent(), 2),
				strconv.FormatBool(s.IsAvailable),
				reset,
				strconv.FormatInt(s.LatencyMs, 10),
				s.StatusMessage,
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	return writer.Error()
}

// writeSamplesPNG draws one line per source. Sources with fewer than two
// points cannot form a line and are left out.
func writeSamplesPNG(path string, series map[string][]model.Sample) error {
	var lines []chart.Series
	for _, id := range sortedIDs(series) {
		list := series[id]
		if len(list) < 2 {
			continue
		}
		x := make([]time.Time, len(list))
		y := make([]float64, len(list))
		for i, s := range list {
			x[i] = s.FetchedAt
			y[i] = s.UsedPercent()
		}
		lines = append(lines, chart.TimeSeries{Name: id, XValues: x, YValues: y})
	}
	if len(lines) == 0 {
		return errors.New("not enough samples to draw a chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Used (%)",
			ValueFormatter: pctFormatter,
		},
		Series: lines,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
