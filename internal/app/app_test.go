package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-watch/internal/config"
	"quota-watch/internal/model"
)

const localSystemSources = `
system_sources:
  - id: local
    adapter: static
    options:
      used: "42.5"
      limit: "100"
      reset_in: 24h
`

func newTestApp(t *testing.T) (*App, string) {
	return newTestAppWith(t, localSystemSources)
}

func newTestAppWith(t *testing.T, sources string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	body := `
database:
  path: ` + filepath.Join(dir, "qw.db") + `
scheduler:
  heartbeat: 0s
server:
  enabled: false
  descriptor_path: ` + filepath.Join(dir, "qw.json") + `
` + sources
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewApp(cfg, zerolog.Nop()), dir
}

func TestRefreshAndExportCSV(t *testing.T) {
	a, dir := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.Refresh(ctx, RefreshOptions{}))
	require.NoError(t, a.Refresh(ctx, RefreshOptions{Force: true}))
	require.NoError(t, a.Show(ctx, ShowOptions{}))
	require.NoError(t, a.History(ctx, HistoryOptions{SourceID: "local", Limit: 10}))

	out := filepath.Join(dir, "out", "history.csv")
	require.NoError(t, a.Export(ctx, ExportOptions{CSVPath: out}))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "source_id", rows[0][0])
	assert.Equal(t, "local", rows[1][0])
	assert.Equal(t, "42.5000", rows[1][2])
	assert.Equal(t, "42.50", rows[1][4])
	assert.NotEmpty(t, rows[1][6], "next reset is exported")
}

func TestRefreshPollsBuiltinSystemSource(t *testing.T) {
	a, _ := newTestAppWith(t, "sources: []\n")
	ctx := context.Background()
	require.NoError(t, a.Refresh(ctx, RefreshOptions{}))

	store, err := a.openStore(ctx)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	n, err := store.CountSamples(ctx, config.DefaultSystemSourceID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	src, err := store.GetSource(ctx, config.DefaultSystemSourceID)
	require.NoError(t, err)
	assert.True(t, src.System)
	assert.False(t, src.AuthPresent)
}

func TestExportRequiresTarget(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, a.Export(context.Background(), ExportOptions{}))
}

func TestWritePNGNeedsTwoPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	err := writeSamplesPNG(path, map[string][]model.Sample{"a": {{SourceID: "a", Used: 1}}})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAnalyticsCommands(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.Refresh(ctx, RefreshOptions{}))

	assert.NoError(t, a.BurnRate(ctx, AnalyticsOptions{}))
	assert.NoError(t, a.Anomalies(ctx, AnalyticsOptions{SourceIDs: []string{"local"}}))
	assert.NoError(t, a.Reliability(ctx, AnalyticsOptions{}))
	assert.ErrorIs(t, a.BurnRate(ctx, AnalyticsOptions{LookbackHours: -1}), model.ErrValidation)
}

func TestStatusWithoutDescriptor(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := a.Status(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestDownsampleKeepsEnds(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []model.Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, model.Sample{FetchedAt: base.Add(time.Duration(i) * time.Minute), Used: float64(i)})
	}
	got := downsampleSamples(samples, 4)
	require.Len(t, got, 4)
	assert.Equal(t, 0.0, got[0].Used)
	assert.Equal(t, 9.0, got[3].Used)
	assert.Len(t, downsampleSamples(samples, 20), 10)
}
