package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-watch/internal/alerting"
	"quota-watch/internal/config"
	"quota-watch/internal/fetcher"
	"quota-watch/internal/model"
	"quota-watch/internal/scheduler"
	"quota-watch/internal/storage"
)

type fakeAdapter struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, src config.SourceConfig, call int) (fetcher.Result, error)
}

func newFakeAdapter(fn func(ctx context.Context, src config.SourceConfig, call int) (fetcher.Result, error)) *fakeAdapter {
	return &fakeAdapter{calls: make(map[string]int), fn: fn}
}

func (f *fakeAdapter) Fetch(ctx context.Context, src config.SourceConfig) (fetcher.Result, error) {
	f.mu.Lock()
	f.calls[src.ID]++
	call := f.calls[src.ID]
	f.mu.Unlock()
	return f.fn(ctx, src, call)
}

func (f *fakeAdapter) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func okResult(src config.SourceConfig, used float64) fetcher.Result {
	return fetcher.Result{
		Samples: []model.Sample{{
			SourceID: src.ID, Used: used, Available: 100, Percentage: used, IsAvailable: true, StatusMessage: "ok",
		}},
		HTTPStatus: 200,
	}
}

func source(id string) config.SourceConfig {
	return config.SourceConfig{ID: id, DisplayName: id, Adapter: "fake", APIKey: "k", Kind: "quota"}
}

type recordingSink struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingSink) Dispatch(_ context.Context, n alerting.Notification) (alerting.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return alerting.DecisionSent, nil
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	st, err := storage.NewSQLite(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newOrchestrator(t *testing.T, store storage.Store, adapter fetcher.Adapter, opts Options, sink AlertSink) *Orchestrator {
	t.Helper()
	reg := fetcher.NewRegistry()
	reg.Register("fake", adapter)
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = time.Second
	}
	o, err := New(opts, Deps{Store: store, Adapters: reg, Alerts: sink, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return o
}

func TestRefresh_OpenCircuitSkipsUntilForced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, call int) (fetcher.Result, error) {
		if src.ID == "flaky" {
			return fetcher.Result{HTTPStatus: 503}, model.TransientFetchError(errors.New("upstream down"))
		}
		return okResult(src, float64(call)), nil
	})
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("flaky"), source("steady")}}, nil)

	for i := 0; i < 3; i++ {
		res, err := o.TriggerRefresh(ctx, RefreshOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}
	require.Equal(t, 3, adapter.Calls("flaky"))

	res, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedOpenCircuit)
	assert.Equal(t, 3, adapter.Calls("flaky"), "open circuit must not be polled")
	assert.Equal(t, 4, adapter.Calls("steady"))

	_, err = o.TriggerRefresh(ctx, RefreshOptions{ForceAll: true})
	require.NoError(t, err)
	assert.Equal(t, 4, adapter.Calls("flaky"))

	_, err = o.TriggerRefresh(ctx, RefreshOptions{IncludeSourceIDs: []string{"flaky"}, OnlyIncluded: true})
	require.NoError(t, err)
	assert.Equal(t, 5, adapter.Calls("flaky"))
	assert.Equal(t, 5, adapter.Calls("steady"), "only included sources run")

	_, err = o.SeedRefresh(ctx, []string{"flaky"})
	require.NoError(t, err)
	assert.Equal(t, 6, adapter.Calls("flaky"))
}

func TestRefresh_SuccessClosesCircuit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	var healthy atomic.Bool
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, call int) (fetcher.Result, error) {
		if !healthy.Load() {
			return fetcher.Result{}, errors.New("boom")
		}
		return okResult(src, 10), nil
	})
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("a")}}, nil)

	for i := 0; i < 3; i++ {
		_, _ = o.TriggerRefresh(ctx, RefreshOptions{})
	}
	st, tracked := o.Breaker().Get("a")
	require.True(t, tracked)
	require.NotNil(t, st.OpenUntil)

	healthy.Store(true)
	_, err := o.TriggerRefresh(ctx, RefreshOptions{BypassBreaker: true})
	require.NoError(t, err)
	_, tracked = o.Breaker().Get("a")
	assert.False(t, tracked)
}

func TestRefresh_OverlappingTriggersNeverInterleave(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	var inFlight, maxInFlight atomic.Int32
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, call int) (fetcher.Result, error) {
		if src.ID == "a" {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
		}
		return okResult(src, float64(call*10)), nil
	})
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("a"), source("b")}}, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []CycleResult
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.TriggerRefresh(ctx, RefreshOptions{})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.SamplesStored
	}
	count, err := store.CountSamples(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(total), count)
	assert.Equal(t, int64(8), count)
	assert.Equal(t, int32(1), maxInFlight.Load(), "cycles must not overlap")
}

func TestRefresh_StoreFailureIsContained(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: newTestStore(t)}
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, call int) (fetcher.Result, error) {
		return okResult(src, float64(call)), nil
	})
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("a")}}, nil)

	store.failAppend.Store(true)
	_, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStorage))
	snap := o.Telemetry().Snapshot()
	assert.Equal(t, int64(1), snap.FailureCount)
	assert.NotEmpty(t, snap.LastError)

	store.failAppend.Store(false)
	res, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SamplesStored)
	assert.Equal(t, int64(2), o.Telemetry().Snapshot().CycleCount)
	assert.Equal(t, int64(1), o.Telemetry().Snapshot().FailureCount)
}

type flakyStore struct {
	storage.Store
	failAppend atomic.Bool
}

func (f *flakyStore) AppendSamples(ctx context.Context, samples []model.Sample) (int, error) {
	if f.failAppend.Load() {
		return 0, model.StorageError(errors.New("disk full"))
	}
	return f.Store.AppendSamples(ctx, samples)
}

func TestRefresh_FiltersPlaceholdersAndConfigErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, _ int) (fetcher.Result, error) {
		switch src.ID {
		case "empty":
			return fetcher.Result{Samples: []model.Sample{{SourceID: src.ID}}}, nil
		case "nokey":
			return fetcher.Result{}, model.ConfigurationError(errors.New("api key missing"))
		default:
			return okResult(src, 5), nil
		}
	})
	nokey := source("nokey")
	nokey.APIKey = ""
	sys := source("sys")
	sys.APIKey = ""
	sys.System = true
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("empty"), nokey, sys}}, nil)

	res, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedInactive, "sources without credentials are inactive")
	assert.Equal(t, 1, res.SamplesStored, "placeholder is never persisted")
	assert.Equal(t, 0, adapter.Calls("nokey"))
	assert.Equal(t, 1, adapter.Calls("sys"))

	for i := 0; i < 4; i++ {
		_, err = o.TriggerRefresh(ctx, RefreshOptions{ForceAll: true})
		require.NoError(t, err)
	}
	_, tracked := o.Breaker().Get("nokey")
	assert.False(t, tracked, "configuration errors carry no breaker penalty")

	src, err := store.GetSource(ctx, "nokey")
	require.NoError(t, err)
	assert.False(t, src.AuthPresent)
}

func TestRefresh_UndeclaredSourceIsRegistered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, call int) (fetcher.Result, error) {
		res := okResult(src, float64(call))
		if src.ID == "parent" {
			res.Samples = append(res.Samples, model.Sample{
				SourceID: "parent-discovered", Used: 3, Available: 100, Percentage: 3, IsAvailable: true,
			})
		}
		return res, nil
	})
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("parent"), source("other")}}, nil)

	for i := 0; i < 2; i++ {
		res, err := o.TriggerRefresh(ctx, RefreshOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, res.SamplesStored)
	}

	n, err := store.CountSamples(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "a foreign sample must not block other sources")

	found, err := store.GetSource(ctx, "parent-discovered")
	require.NoError(t, err)
	assert.Equal(t, model.KindQuota, found.Kind)
	assert.True(t, found.AuthPresent)
	assert.Zero(t, adapter.Calls("parent-discovered"), "discovered sources are not polled on their own")
}

func TestRefresh_SystemSourcesRunWithoutConfiguredSources(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, _ int) (fetcher.Result, error) {
		return okResult(src, 1), nil
	})
	o := newOrchestrator(t, store, adapter, Options{
		SystemSources: []config.SourceConfig{{ID: "builtin", Adapter: "fake"}},
	}, nil)

	res, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.SamplesStored)

	src, err := store.GetSource(ctx, "builtin")
	require.NoError(t, err)
	assert.True(t, src.System)
	assert.True(t, src.Active)
}

func TestRefresh_DeltaStorageAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, _ int) (fetcher.Result, error) {
		return okResult(src, 42), nil
	})
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("a")}, Heartbeat: time.Hour}, nil)
	base := time.Now()
	o.now = func() time.Time { return base }

	res, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SamplesStored)

	res, err = o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SamplesStored, "unchanged sample inside the heartbeat is skipped")

	o.now = func() time.Time { return base.Add(2 * time.Hour) }
	res, err = o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SamplesStored, "heartbeat forces a row")
}

func TestRefresh_ResetDetectionSubSourcesAndAlerts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reset := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, call int) (fetcher.Result, error) {
		used := 95.0
		if call > 1 {
			used = 10
		}
		res := okResult(src, used)
		res.RawPayload = `{"used":1}`
		res.Samples[0].Details = []model.Detail{{Name: "pro", Percentage: used, NextResetAt: &reset}}
		return res, nil
	})
	sink := &recordingSink{}
	o := newOrchestrator(t, store, adapter, Options{
		Sources:       []config.SourceConfig{source("gem")},
		AlertsEnabled: true,
		ThresholdPct:  90,
		NotifyOnReset: true,
		RawRetention:  14 * 24 * time.Hour,
		Optimize:      true,
	}, sink)

	res, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SamplesStored, "parent plus sub-source")
	assert.Equal(t, 2, res.AlertsSent, "both are above the threshold")

	sub, err := store.GetSource(ctx, "gem-pro")
	require.NoError(t, err)
	assert.Equal(t, "gem - pro", sub.DisplayName)

	res, err = o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	require.Len(t, res.ResetEvents, 2)
	events, err := store.ListResetEvents(ctx, "gem", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ResetQuota, events[0].ResetType)

	var resets int
	for _, n := range sink.notes {
		if n.Kind == alerting.KindResetDetected {
			resets++
		}
	}
	assert.Equal(t, 2, resets)

	snaps, err := store.ListRawSnapshots(ctx, "gem", 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
	assert.Len(t, o.KnownSources(), 2)
}

func TestRefresh_SlowAdapterTimesOut(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, _ int) (fetcher.Result, error) {
		if src.ID == "slow" {
			<-release
		}
		return okResult(src, 1), nil
	})
	o := newOrchestrator(t, store, adapter, Options{
		Sources:      []config.SourceConfig{source("slow"), source("fast")},
		FetchTimeout: 50 * time.Millisecond,
	}, nil)

	started := time.Now()
	res, err := o.TriggerRefresh(ctx, RefreshOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.NotEmpty(t, o.Telemetry().RecentErrors())
}

func TestRun_SeedsEmptyHistory(t *testing.T) {
	store := newTestStore(t)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, _ int) (fetcher.Result, error) {
		return okResult(src, 3), nil
	})
	reg := fetcher.NewRegistry()
	reg.Register("fake", adapter)
	sched, err := scheduler.New(scheduler.Options{Interval: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	o, err := New(Options{Sources: []config.SourceConfig{source("a")}, SeedOnEmpty: true}, Deps{
		Store: store, Adapters: reg, Scheduler: sched, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := store.CountSamples(context.Background(), "a")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestCheckSource(t *testing.T) {
	store := newTestStore(t)
	adapter := newFakeAdapter(func(_ context.Context, src config.SourceConfig, _ int) (fetcher.Result, error) {
		return okResult(src, 7), nil
	})
	o := newOrchestrator(t, store, adapter, Options{Sources: []config.SourceConfig{source("a")}}, nil)

	res, err := o.CheckSource(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, res.OK)
	count, err := store.CountSamples(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, count, "connectivity checks never write history")

	_, err = o.CheckSource(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
