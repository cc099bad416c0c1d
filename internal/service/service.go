package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"quota-watch/internal/alerting"
	"quota-watch/internal/breaker"
	"quota-watch/internal/config"
	"quota-watch/internal/fetcher"
	"quota-watch/internal/model"
	"quota-watch/internal/resetdetect"
	"quota-watch/internal/scheduler"
	"quota-watch/internal/storage"
)

// ErrNotRunning is returned by Run when no scheduler is configured.
var ErrNotRunning = errors.New("scheduler not configured")

// AdapterResolver finds the adapter for a source.
type AdapterResolver interface {
	Resolve(name string) (fetcher.Adapter, error)
}

// AlertSink receives threshold and reset alerts.
type AlertSink interface {
	Dispatch(ctx context.Context, note alerting.Notification) (alerting.Decision, error)
}

// Options carry the orchestrator's tunables.
type Options struct {
	Sources          []config.SourceConfig
	SystemSources    []config.SourceConfig
	FetchTimeout     time.Duration
	MaxConcurrency   int
	Heartbeat        time.Duration
	SeedOnEmpty      bool
	LockKey          int64
	AlertsEnabled    bool
	ThresholdPct     float64
	NotifyOnReset    bool
	RawRetention     time.Duration
	HistoryRetention time.Duration
	Optimize         bool
}

// OptionsFromConfig maps runtime settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Sources:          cfg.Sources,
		SystemSources:    cfg.SystemSources,
		FetchTimeout:     cfg.Scheduler.FetchTimeout,
		MaxConcurrency:   cfg.Scheduler.MaxConcurrency,
		Heartbeat:        cfg.Scheduler.Heartbeat,
		SeedOnEmpty:      cfg.Scheduler.SeedOnEmpty,
		LockKey:          cfg.Scheduler.AdvisoryLockKey,
		AlertsEnabled:    cfg.Alerting.Enabled,
		ThresholdPct:     cfg.Alerting.ThresholdPct,
		NotifyOnReset:    cfg.Alerting.NotifyOnReset,
		RawRetention:     cfg.Maintenance.RawRetention,
		HistoryRetention: cfg.Maintenance.HistoryRetention,
		Optimize:         cfg.Maintenance.Optimize,
	}
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Store     storage.Store
	Adapters  AdapterResolver
	Breaker   *breaker.Registry
	Detector  *resetdetect.Detector
	Alerts    AlertSink
	Telemetry *Telemetry
	Scheduler *scheduler.Scheduler
	Logger    zerolog.Logger
}

// RefreshOptions select what a cycle polls.
// IncludeSourceIDs adds sources to the active set and exempts them from
// the breaker; OnlyIncluded narrows the cycle to exactly those sources.
type RefreshOptions struct {
	ForceAll         bool     `json:"force_all"`
	IncludeSourceIDs []string `json:"include_source_ids,omitempty"`
	OnlyIncluded     bool     `json:"only_included,omitempty"`
	BypassBreaker    bool     `json:"bypass_circuit_breaker"`
}

// FetchStatus is the per-source outcome of a cycle.
type FetchStatus string

const (
	FetchOK          FetchStatus = "ok"
	FetchFailed      FetchStatus = "failed"
	FetchConfigError FetchStatus = "config_error"
)

// SourceOutcome reports what happened to one source in a cycle.
type SourceOutcome struct {
	SourceID     string      `json:"source_id"`
	Status       FetchStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
	SamplesKept  int         `json:"samples_kept"`
	LatencyMs    int64       `json:"latency_ms"`
	CircuitState string      `json:"circuit_state,omitempty"`
}

// CycleResult summarises one refresh cycle.
type CycleResult struct {
	StartedAt          time.Time          `json:"started_at"`
	FinishedAt         time.Time          `json:"finished_at"`
	Duration           time.Duration      `json:"duration"`
	Attempted          int                `json:"attempted"`
	Succeeded          int                `json:"succeeded"`
	Failed             int                `json:"failed"`
	SkippedOpenCircuit int                `json:"skipped_open_circuit"`
	SkippedInactive    int                `json:"skipped_inactive"`
	SkippedLocked      bool               `json:"skipped_locked,omitempty"`
	SamplesStored      int                `json:"samples_stored"`
	ResetEvents        []model.ResetEvent `json:"reset_events,omitempty"`
	AlertsSent         int                `json:"alerts_sent"`
	Outcomes           []SourceOutcome    `json:"outcomes"`
	Error              string             `json:"error,omitempty"`
}

// Orchestrator runs refresh cycles: it polls sources, persists history,
// detects resets and raises alerts.
type Orchestrator struct {
	opts      Options
	store     storage.Store
	adapters  AdapterResolver
	breaker   *breaker.Registry
	detector  *resetdetect.Detector
	alerts    AlertSink
	telemetry *Telemetry
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
	locker    storage.AdvisoryLocker
	now       func() time.Time

	// cycleSem admits one cycle at a time; later triggers queue behind it.
	cycleSem chan struct{}

	mu      sync.RWMutex
	sources map[string]model.Source
}

// New constructs the orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Adapters == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New(breaker.Options{}, deps.Logger)
	}
	if deps.Detector == nil {
		deps.Detector = resetdetect.New(deps.Store, resetdetect.Options{}, deps.Logger)
	}
	if deps.Telemetry == nil {
		deps.Telemetry = NewTelemetry()
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Orchestrator{
		opts:      opts,
		store:     deps.Store,
		adapters:  deps.Adapters,
		breaker:   deps.Breaker,
		detector:  deps.Detector,
		alerts:    deps.Alerts,
		telemetry: deps.Telemetry,
		scheduler: deps.Scheduler,
		logger:    deps.Logger.With().Str("component", "orchestrator").Logger(),
		locker:    locker,
		now:       time.Now,
		cycleSem:  make(chan struct{}, 1),
		sources:   make(map[string]model.Source),
	}, nil
}

// Telemetry exposes the cycle counters.
func (o *Orchestrator) Telemetry() *Telemetry { return o.telemetry }

// Breaker exposes the circuit registry.
func (o *Orchestrator) Breaker() *breaker.Registry { return o.breaker }

// KnownSources lists every source seen this process, including sub-sources
// discovered during cycles.
func (o *Orchestrator) KnownSources() []model.Source {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.Source, 0, len(o.sources))
	for _, src := range o.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run starts the periodic loop. When history is empty it seeds with one
// forced cycle in the background first.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.scheduler == nil {
		return ErrNotRunning
	}
	if o.opts.SeedOnEmpty {
		count, err := o.store.CountSamples(ctx, "")
		if err != nil {
			o.logger.Warn().Err(err).Msg("count history failed; skip startup seed")
		} else if count == 0 {
			go o.seed(ctx)
		}
	}
	return o.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := o.TriggerRefresh(ctx, RefreshOptions{})
		return err
	})
}

func (o *Orchestrator) seed(ctx context.Context) {
	o.logger.Info().Msg("history empty; running startup refresh")
	if _, err := o.TriggerRefresh(ctx, RefreshOptions{ForceAll: true}); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error().Err(err).Msg("startup refresh failed")
	}
}

// SeedRefresh immediately polls the given sources, ignoring open circuits.
func (o *Orchestrator) SeedRefresh(ctx context.Context, sourceIDs []string) (CycleResult, error) {
	return o.TriggerRefresh(ctx, RefreshOptions{IncludeSourceIDs: sourceIDs, OnlyIncluded: len(sourceIDs) > 0, BypassBreaker: true})
}

// TriggerRefresh runs one cycle. Concurrent callers queue and each runs its
// own cycle after the previous one finishes; cycles never interleave.
func (o *Orchestrator) TriggerRefresh(ctx context.Context, opts RefreshOptions) (CycleResult, error) {
	select {
	case o.cycleSem <- struct{}{}:
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
	defer func() { <-o.cycleSem }()

	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	if !proceed {
		o.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return CycleResult{SkippedLocked: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return o.runCycle(ctx, opts)
}

// CheckResult is the outcome of a connectivity probe.
type CheckResult struct {
	SourceID   string         `json:"source_id"`
	OK         bool           `json:"ok"`
	HTTPStatus int            `json:"http_status,omitempty"`
	LatencyMs  int64          `json:"latency_ms"`
	Message    string         `json:"message,omitempty"`
	Samples    []model.Sample `json:"samples,omitempty"`
}

// CheckSource calls a source's adapter once without touching history or
// circuit state.
func (o *Orchestrator) CheckSource(ctx context.Context, sourceID string) (CheckResult, error) {
	var (
		src   config.SourceConfig
		found bool
	)
	for _, s := range o.resolveSources() {
		if s.ID == sourceID {
			src, found = s, true
			break
		}
	}
	if !found {
		return CheckResult{}, storage.ErrNotFound
	}

	out := o.fetchOne(ctx, src)
	res := CheckResult{
		SourceID:   sourceID,
		OK:         out.status == FetchOK,
		HTTPStatus: out.result.HTTPStatus,
		LatencyMs:  out.latency.Milliseconds(),
		Samples:    out.result.Samples,
	}
	if out.err != nil {
		res.Message = out.err.Error()
	} else if len(out.result.Samples) > 0 {
		res.Message = out.result.Samples[0].StatusMessage
	}
	return res, nil
}

type fetchOutcome struct {
	source  config.SourceConfig
	result  fetcher.Result
	err     error
	status  FetchStatus
	latency time.Duration
}

func (o *Orchestrator) runCycle(ctx context.Context, opts RefreshOptions) (res CycleResult, err error) {
	res.StartedAt = o.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh cycle panicked: %v", r)
		}
		res.FinishedAt = o.now().UTC()
		res.Duration = res.FinishedAt.Sub(res.StartedAt)
		if err != nil {
			res.Error = err.Error()
			o.logger.Error().Err(err).Dur("duration", res.Duration).Msg("refresh cycle aborted")
		} else {
			o.logger.Info().
				Int("attempted", res.Attempted).
				Int("succeeded", res.Succeeded).
				Int("failed", res.Failed).
				Int("skipped_open_circuit", res.SkippedOpenCircuit).
				Int("stored", res.SamplesStored).
				Dur("duration", res.Duration).
				Msg("refresh cycle finished")
		}
		o.telemetry.SetOpenCircuits(len(o.breaker.OpenSources()))
		o.telemetry.RecordCycle(res, err)
	}()

	all := o.resolveSources()
	for _, src := range all {
		if err := o.registerSource(ctx, toModelSource(src, src.System || src.HasCredentials())); err != nil {
			return res, err
		}
	}

	include := make(map[string]bool, len(opts.IncludeSourceIDs))
	for _, id := range opts.IncludeSourceIDs {
		include[id] = true
	}
	var targets []config.SourceConfig
	for _, src := range all {
		explicit := include[src.ID]
		if opts.OnlyIncluded && !explicit {
			continue
		}
		if !(src.System || src.HasCredentials() || opts.ForceAll || explicit) {
			res.SkippedInactive++
			continue
		}
		if !(opts.BypassBreaker || opts.ForceAll || explicit) && !o.breaker.Allow(src.ID) {
			res.SkippedOpenCircuit++
			continue
		}
		targets = append(targets, src)
	}
	if res.SkippedOpenCircuit > 0 {
		o.logger.Info().Int("skipped", res.SkippedOpenCircuit).Msg("sources skipped because circuit is open")
	}

	outcomes := o.fetchAll(ctx, targets)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	latest, err := o.latestBySource(ctx)
	if err != nil {
		return res, err
	}

	var (
		batch   []model.Sample
		touched []model.Source
		snaps   []model.RawSnapshot
	)
	for _, out := range outcomes {
		res.Attempted++
		outcome := SourceOutcome{SourceID: out.source.ID, Status: out.status, LatencyMs: out.latency.Milliseconds()}
		if out.err != nil {
			outcome.Error = out.err.Error()
		}

		switch out.status {
		case FetchOK:
			res.Succeeded++
			o.breaker.RecordSuccess(out.source.ID)
		case FetchFailed:
			res.Failed++
			st := o.breaker.RecordFailure(out.source.ID, outcome.Error)
			if st.OpenUntil != nil {
				outcome.CircuitState = "open"
			}
		case FetchConfigError:
			o.logger.Warn().Str("source", out.source.ID).Err(out.err).Msg("source not pollable as configured")
		}
		o.telemetry.RecordFetch(out.source.ID, out.status, outcome.Error)

		if out.status != FetchConfigError {
			if err := o.registerSource(ctx, toModelSource(out.source, out.status == FetchOK)); err != nil {
				return res, err
			}
		}
		if out.result.RawPayload != "" {
			snaps = append(snaps, model.RawSnapshot{
				SourceID:   out.source.ID,
				RawPayload: out.result.RawPayload,
				HTTPStatus: out.result.HTTPStatus,
				FetchedAt:  res.StartedAt,
			})
		}

		kept, subs := o.prepareSamples(out, latest)
		for _, sub := range subs {
			if err := o.registerSource(ctx, sub); err != nil {
				return res, err
			}
		}
		outcome.SamplesKept = len(kept)
		if len(kept) > 0 {
			batch = append(batch, kept...)
			touched = append(touched, o.touchedSources(kept)...)
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}

	if len(batch) > 0 {
		n, err := o.store.AppendSamples(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("append history: %w", err)
		}
		res.SamplesStored = n
	}
	for _, snap := range snaps {
		if err := o.store.InsertRawSnapshot(ctx, snap); err != nil {
			return res, fmt.Errorf("store raw snapshot: %w", err)
		}
	}

	events, err := o.detector.CheckAll(ctx, touched)
	res.ResetEvents = events
	if err != nil {
		return res, fmt.Errorf("reset detection: %w", err)
	}

	res.AlertsSent = o.raiseAlerts(ctx, batch, events)

	if err := o.maintain(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) fetchAll(ctx context.Context, targets []config.SourceConfig) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrency)
	for i, src := range targets {
		g.Go(func() error {
			outcomes[i] = o.fetchOne(gctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// fetchOne calls the adapter under its own timeout. A call still running
// when the deadline passes is abandoned and its late result dropped.
func (o *Orchestrator) fetchOne(ctx context.Context, src config.SourceConfig) fetchOutcome {
	out := fetchOutcome{source: src}

	adapter, err := o.adapters.Resolve(src.Adapter)
	if err != nil {
		out.err, out.status = err, FetchConfigError
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	type reply struct {
		res fetcher.Result
		err error
	}
	done := make(chan reply, 1)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("%s adapter panic: %v", model.InternalErrorMarker, r)}
			}
		}()
		res, err := adapter.Fetch(callCtx, src)
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		out.result, out.err = r.res, r.err
	case <-callCtx.Done():
		out.err = model.TransientFetchError(fmt.Errorf("fetch %s: %w", src.ID, callCtx.Err()))
	}
	out.latency = time.Since(started)
	out.status = classifyOutcome(out.result, out.err)
	return out
}

// classifyOutcome applies the breaker success rule: at least one available
// sample, a status below 400 and no internal error marker.
func classifyOutcome(res fetcher.Result, err error) FetchStatus {
	if errors.Is(err, model.ErrConfiguration) {
		return FetchConfigError
	}
	if err != nil || res.HTTPStatus >= 400 {
		return FetchFailed
	}
	for _, s := range res.Samples {
		if s.IsAvailable && !s.HasInternalError() {
			return FetchOK
		}
	}
	return FetchFailed
}

// prepareSamples drops placeholders, fills defaults, expands per-detail
// sub-sources and applies delta storage against the latest stored rows.
func (o *Orchestrator) prepareSamples(out fetchOutcome, latest map[string]model.Sample) ([]model.Sample, []model.Source) {
	var (
		kept []model.Sample
		subs []model.Source
	)
	discovered := make(map[string]bool)
	now := o.now().UTC()
	for _, s := range out.result.Samples {
		if s.IsPlaceholder() {
			continue
		}
		if s.SourceID == "" {
			s.SourceID = out.source.ID
		}
		if s.SourceID != out.source.ID && !discovered[s.SourceID] && !o.known(s.SourceID) {
			// Adapters may report sources that are not configured; register
			// them before the append so their rows have a parent.
			discovered[s.SourceID] = true
			subs = append(subs, discoveredSource(out.source, s))
		}
		if s.FetchedAt.IsZero() {
			s.FetchedAt = now
		}
		if s.LatencyMs == 0 {
			s.LatencyMs = out.latency.Milliseconds()
		}
		if o.shouldStore(s, latest) {
			kept = append(kept, s)
		}

		for _, d := range s.Details {
			if d.NextResetAt == nil || (d.Percentage <= 0 && d.Available <= 0) {
				continue
			}
			sub := subSample(s, d)
			subs = append(subs, model.Source{
				ID:          sub.SourceID,
				DisplayName: out.source.Name() + " - " + d.Name,
				AuthSource:  out.source.AuthSource,
				AccountName: out.source.AccountName,
				AuthPresent: out.source.HasCredentials(),
				Kind:        model.KindQuota,
				Active:      s.IsAvailable,
				System:      out.source.System,
			})
			if o.shouldStore(sub, latest) {
				kept = append(kept, sub)
			}
		}
	}
	return kept, subs
}

// discoveredSource describes a source reported by the adapter of parent.
// It inherits the parent's kind and auth.
func discoveredSource(parent config.SourceConfig, s model.Sample) model.Source {
	src := toModelSource(parent, s.IsAvailable)
	src.ID = s.SourceID
	src.DisplayName = s.SourceID
	src.Config = nil
	return src
}

func subSample(parent model.Sample, d model.Detail) model.Sample {
	pct := d.Percentage
	if pct <= 0 && d.Available > 0 {
		pct = d.Used / d.Available * 100
	}
	return model.Sample{
		SourceID:      parent.SourceID + "-" + d.Name,
		FetchedAt:     parent.FetchedAt,
		Used:          pct,
		Available:     100,
		Percentage:    pct,
		IsAvailable:   parent.IsAvailable,
		StatusMessage: parent.StatusMessage,
		NextResetAt:   d.NextResetAt,
		LatencyMs:     parent.LatencyMs,
	}
}

// shouldStore keeps a sample when it differs from the latest stored one or
// the latest is older than the heartbeat. A zero heartbeat stores everything.
func (o *Orchestrator) shouldStore(s model.Sample, latest map[string]model.Sample) bool {
	if o.opts.Heartbeat <= 0 {
		return true
	}
	prev, ok := latest[s.SourceID]
	if !ok {
		return true
	}
	if prev.Used != s.Used || prev.Available != s.Available || prev.IsAvailable != s.IsAvailable {
		return true
	}
	if !sameTime(prev.NextResetAt, s.NextResetAt) {
		return true
	}
	return s.FetchedAt.Sub(prev.FetchedAt) >= o.opts.Heartbeat
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (o *Orchestrator) touchedSources(samples []model.Sample) []model.Source {
	o.mu.RLock()
	defer o.mu.RUnlock()
	seen := make(map[string]bool)
	var out []model.Source
	for _, s := range samples {
		if seen[s.SourceID] {
			continue
		}
		seen[s.SourceID] = true
		if src, ok := o.sources[s.SourceID]; ok {
			out = append(out, src)
		}
	}
	return out
}

func (o *Orchestrator) latestBySource(ctx context.Context) (map[string]model.Sample, error) {
	latest, err := o.store.LatestSamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest samples: %w", err)
	}
	out := make(map[string]model.Sample, len(latest))
	for _, s := range latest {
		out[s.SourceID] = s
	}
	return out, nil
}

func (o *Orchestrator) registerSource(ctx context.Context, src model.Source) error {
	if err := o.store.UpsertSource(ctx, src); err != nil {
		return fmt.Errorf("register source %s: %w", src.ID, err)
	}
	o.mu.Lock()
	o.sources[src.ID] = src
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) resolveSources() []config.SourceConfig {
	seen := make(map[string]bool, len(o.opts.Sources)+len(o.opts.SystemSources))
	var out []config.SourceConfig
	for i, list := range [][]config.SourceConfig{o.opts.Sources, o.opts.SystemSources} {
		for _, src := range list {
			if src.ID == "" || seen[src.ID] {
				continue
			}
			seen[src.ID] = true
			if i == 1 {
				src.System = true
			}
			out = append(out, src)
		}
	}
	return out
}

func toModelSource(src config.SourceConfig, active bool) model.Source {
	return model.Source{
		ID:          src.ID,
		DisplayName: src.Name(),
		AuthSource:  src.AuthSource,
		AccountName: src.AccountName,
		AuthPresent: src.HasCredentials(),
		Kind:        model.ParseSourceKind(src.Kind),
		Active:      active,
		System:      src.System,
		Config:      optionsJSON(src),
	}
}

func optionsJSON(src config.SourceConfig) json.RawMessage {
	if len(src.Options) == 0 {
		return nil
	}
	raw, err := json.Marshal(src.Options)
	if err != nil {
		return nil
	}
	return raw
}

func (o *Orchestrator) raiseAlerts(ctx context.Context, stored []model.Sample, events []model.ResetEvent) int {
	if o.alerts == nil || !o.opts.AlertsEnabled {
		return 0
	}
	sent := 0
	dispatch := func(note alerting.Notification) {
		decision, err := o.alerts.Dispatch(ctx, note)
		o.telemetry.RecordAlert(string(note.Kind), string(decision))
		if err != nil {
			o.logger.Error().Err(err).Str("source", note.SourceID).Msg("failed to dispatch alert")
		}
		if decision == alerting.DecisionSent {
			sent++
		}
	}

	if o.opts.ThresholdPct > 0 {
		threshold := decimal.NewFromFloat(o.opts.ThresholdPct)
		for _, s := range stored {
			if !s.IsAvailable || (s.Available <= 0 && s.Percentage <= 0) {
				continue
			}
			pct := decimal.NewFromFloat(s.UsedPercent())
			if pct.LessThan(threshold) {
				continue
			}
			dispatch(alerting.Notification{
				SourceID:     s.SourceID,
				SourceName:   o.sourceName(s.SourceID),
				Kind:         alerting.KindUsageThreshold,
				OccurredAt:   s.FetchedAt,
				UsedPct:      pct,
				ThresholdPct: threshold,
				Used:         decimal.NewFromFloat(s.Used),
				Limit:        decimal.NewFromFloat(s.Available),
				NextResetAt:  s.NextResetAt,
			})
		}
	}

	if o.opts.NotifyOnReset {
		for _, ev := range events {
			dispatch(alerting.Notification{
				SourceID:     ev.SourceID,
				SourceName:   ev.SourceName,
				Kind:         alerting.KindResetDetected,
				OccurredAt:   ev.Timestamp,
				Used:         decimal.NewFromFloat(ev.NewUsed),
				PreviousUsed: decimal.NewFromFloat(ev.PreviousUsed),
			})
		}
	}
	return sent
}

func (o *Orchestrator) known(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.sources[id]
	return ok
}

func (o *Orchestrator) sourceName(id string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if src, ok := o.sources[id]; ok && src.DisplayName != "" {
		return src.DisplayName
	}
	return id
}

func (o *Orchestrator) maintain(ctx context.Context) error {
	now := o.now().UTC()
	if o.opts.RawRetention > 0 {
		n, err := o.store.PurgeRawSnapshots(ctx, now.Add(-o.opts.RawRetention))
		if err != nil {
			return fmt.Errorf("purge raw snapshots: %w", err)
		}
		if n > 0 {
			o.logger.Debug().Int64("rows", n).Msg("purged raw snapshots")
		}
	}
	if o.opts.HistoryRetention > 0 {
		n, err := o.store.PurgeHistory(ctx, now.Add(-o.opts.HistoryRetention))
		if err != nil {
			return fmt.Errorf("purge history: %w", err)
		}
		if n > 0 {
			o.logger.Info().Int64("rows", n).Msg("purged expired history")
		}
	}
	if o.opts.Optimize {
		if err := o.store.Optimize(ctx); err != nil {
			return fmt.Errorf("optimize store: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.LockKey == 0 || o.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.locker.TryAdvisoryLock(ctx, o.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
