package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const recentErrorLimit = 10

// TelemetrySnapshot is a consistent read of the cycle counters.
type TelemetrySnapshot struct {
	CycleCount     int64        `json:"cycle_count"`
	FailureCount   int64        `json:"failure_count"`
	LastCycleAt    *time.Time   `json:"last_cycle_at,omitempty"`
	LastDurationMs int64        `json:"last_duration_ms"`
	LastError      string       `json:"last_error,omitempty"`
	LastResult     *CycleResult `json:"last_result,omitempty"`
	RecentErrors   []string     `json:"recent_errors"`
}

// Telemetry owns the cycle counters of one orchestrator. Each instance has
// its own prometheus registry so tests and multiple instances never collide.
type Telemetry struct {
	cycles        atomic.Int64
	failures      atomic.Int64
	lastLatencyMs atomic.Int64

	mu           sync.Mutex
	lastAt       time.Time
	lastErr      string
	lastResult   *CycleResult
	recentErrors []string

	registry       *prometheus.Registry
	cycleDuration  prometheus.Histogram
	cyclesTotal    *prometheus.CounterVec
	fetchesTotal   *prometheus.CounterVec
	skippedTotal   *prometheus.CounterVec
	samplesStored  prometheus.Counter
	resetsTotal    prometheus.Counter
	alertsTotal    *prometheus.CounterVec
	openCircuits   prometheus.Gauge
	lastCycleEpoch prometheus.Gauge
}

// NewTelemetry builds the counters and registers them on a fresh registry.
func NewTelemetry() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quotawatch",
			Name:      "refresh_cycle_duration_seconds",
			Help:      "Refresh cycle duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "refresh_cycles_total",
			Help:      "Refresh cycles by result",
		}, []string{"result"}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "source_fetches_total",
			Help:      "Adapter calls by source and outcome",
		}, []string{"source", "outcome"}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "sources_skipped_total",
			Help:      "Sources skipped by reason",
		}, []string{"reason"}),
		samplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "samples_stored_total",
			Help:      "Samples appended to history",
		}),
		resetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "reset_events_total",
			Help:      "Detected reset events",
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotawatch",
			Name:      "alerts_total",
			Help:      "Alert dispatch decisions",
		}, []string{"kind", "decision"}),
		openCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotawatch",
			Name:      "open_circuits",
			Help:      "Sources whose circuit is currently open",
		}),
		lastCycleEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotawatch",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last finished cycle",
		}),
	}
	t.registry.MustRegister(
		t.cycleDuration, t.cyclesTotal, t.fetchesTotal, t.skippedTotal,
		t.samplesStored, t.resetsTotal, t.alertsTotal, t.openCircuits, t.lastCycleEpoch,
	)
	return t
}

// Registry exposes the per-instance prometheus registry.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// RecordCycle updates counters once per cycle, whatever its outcome.
func (t *Telemetry) RecordCycle(res CycleResult, err error) {
	t.cycles.Add(1)
	t.lastLatencyMs.Store(res.Duration.Milliseconds())
	t.cycleDuration.Observe(res.Duration.Seconds())
	t.lastCycleEpoch.Set(float64(res.FinishedAt.Unix()))
	t.samplesStored.Add(float64(res.SamplesStored))
	t.resetsTotal.Add(float64(len(res.ResetEvents)))
	if res.SkippedOpenCircuit > 0 {
		t.skippedTotal.WithLabelValues("circuit_open").Add(float64(res.SkippedOpenCircuit))
	}
	if res.SkippedInactive > 0 {
		t.skippedTotal.WithLabelValues("inactive").Add(float64(res.SkippedInactive))
	}

	result := "success"
	if err != nil {
		result = "failure"
		t.failures.Add(1)
	}
	t.cyclesTotal.WithLabelValues(result).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = res.FinishedAt
	copied := res
	t.lastResult = &copied
	if err != nil {
		t.lastErr = err.Error()
		t.pushErrorLocked(err.Error())
	} else {
		t.lastErr = ""
	}
}

// RecordFetch counts one adapter outcome.
func (t *Telemetry) RecordFetch(sourceID string, outcome FetchStatus, errMsg string) {
	t.fetchesTotal.WithLabelValues(sourceID, string(outcome)).Inc()
	if outcome == FetchFailed && errMsg != "" {
		t.mu.Lock()
		t.pushErrorLocked(sourceID + ": " + errMsg)
		t.mu.Unlock()
	}
}

// RecordAlert counts one dispatch decision.
func (t *Telemetry) RecordAlert(kind, decision string) {
	t.alertsTotal.WithLabelValues(kind, decision).Inc()
}

// SetOpenCircuits publishes the number of open circuits.
func (t *Telemetry) SetOpenCircuits(n int) {
	t.openCircuits.Set(float64(n))
}

// RecentErrors returns the most recent errors, newest last.
func (t *Telemetry) RecentErrors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.recentErrors...)
}

// Snapshot reads every counter under the lock.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := TelemetrySnapshot{
		CycleCount:     t.cycles.Load(),
		FailureCount:   t.failures.Load(),
		LastDurationMs: t.lastLatencyMs.Load(),
		LastError:      t.lastErr,
		RecentErrors:   append([]string{}, t.recentErrors...),
	}
	if !t.lastAt.IsZero() {
		at := t.lastAt
		snap.LastCycleAt = &at
	}
	if t.lastResult != nil {
		copied := *t.lastResult
		snap.LastResult = &copied
	}
	return snap
}

func (t *Telemetry) pushErrorLocked(msg string) {
	t.recentErrors = append(t.recentErrors, msg)
	if len(t.recentErrors) > recentErrorLimit {
		t.recentErrors = t.recentErrors[len(t.recentErrors)-recentErrorLimit:]
	}
}
