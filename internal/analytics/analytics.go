// Package analytics derives burn-rate forecasts, anomaly flags and reliability
// statistics from stored history. Everything is computed on request.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"quota-watch/internal/model"
	"quota-watch/internal/storage"
)

const (
	// DefaultAnomalyMultiplier is how many baseline spreads a delta may deviate before it is flagged.
	DefaultAnomalyMultiplier = 3.0
	// DefaultMinSamples is the fewest samples anomaly detection accepts.
	DefaultMinSamples = 4
	// spreadFloorRatio keeps a perfectly flat baseline from flagging jitter.
	spreadFloorRatio = 0.1
)

// Direction of an anomalous delta.
type Direction string

const (
	DirectionNone  Direction = "none"
	DirectionSpike Direction = "spike"
	DirectionDrop  Direction = "drop"
)

// BurnRateForecast is the consumption trend of the current quota cycle.
type BurnRateForecast struct {
	SourceID           string   `json:"source_id"`
	SampleCount        int      `json:"sample_count"`
	BurnRatePerDay     float64  `json:"burn_rate_per_day"`
	RemainingUnits     float64  `json:"remaining_units"`
	DaysUntilExhausted *float64 `json:"days_until_exhausted"`
	IsAvailable        bool     `json:"is_available"`
	Reason             string   `json:"reason,omitempty"`
}

// AnomalyResult flags an unusual latest delta.
type AnomalyResult struct {
	SourceID       string    `json:"source_id"`
	HasAnomaly     bool      `json:"has_anomaly"`
	Direction      Direction `json:"direction"`
	LatestDelta    float64   `json:"latest_delta"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineSpread float64   `json:"baseline_spread"`
	IsAvailable    bool      `json:"is_available"`
	Reason         string    `json:"reason,omitempty"`
}

// Reliability summarises fetch outcomes over the window.
type Reliability struct {
	SourceID     string     `json:"source_id"`
	TotalSamples int        `json:"total_samples"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
	SuccessRate  float64    `json:"success_rate"`
	ErrorRate    float64    `json:"error_rate"`
	AvgLatencyMs float64    `json:"avg_latency_ms"`
	LastError    string     `json:"last_error,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	IsAvailable  bool       `json:"is_available"`
}

// Store is the read side the engine needs.
type Store interface {
	ListSources(ctx context.Context) ([]model.Source, error)
	ListSamples(ctx context.Context, q storage.HistoryQuery) ([]model.Sample, error)
}

// Options tune the engine. Zero values keep the defaults.
type Options struct {
	AnomalyMultiplier float64
	MinSamples        int
}

// Engine answers analytics queries against a history store.
type Engine struct {
	store  Store
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an engine.
func New(store Store, opts Options, logger zerolog.Logger) *Engine {
	if opts.AnomalyMultiplier <= 0 {
		opts.AnomalyMultiplier = DefaultAnomalyMultiplier
	}
	if opts.MinSamples < 3 {
		opts.MinSamples = DefaultMinSamples
	}
	return &Engine{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "analytics").Logger(),
		now:    time.Now,
	}
}

func validate(lookbackHours, maxSamples int) error {
	if lookbackHours <= 0 {
		return model.ValidationErrorf("lookbackHours must be positive, got %d", lookbackHours)
	}
	if maxSamples <= 0 {
		return model.ValidationErrorf("maxSamples must be positive, got %d", maxSamples)
	}
	return nil
}

// GetBurnRateForecasts computes a forecast per source. An empty sourceIDs
// selects every registered source.
func (e *Engine) GetBurnRateForecasts(ctx context.Context, sourceIDs []string, lookbackHours, maxSamples int) (map[string]BurnRateForecast, error) {
	if err := validate(lookbackHours, maxSamples); err != nil {
		return nil, err
	}
	out := make(map[string]BurnRateForecast)
	err := e.eachSource(ctx, sourceIDs, lookbackHours, maxSamples, func(id string, samples []model.Sample) {
		out[id] = BurnRate(id, samples)
	})
	return out, err
}

// GetUsageAnomalies flags sources whose latest delta departs from the baseline.
func (e *Engine) GetUsageAnomalies(ctx context.Context, sourceIDs []string, lookbackHours, maxSamples int) (map[string]AnomalyResult, error) {
	if err := validate(lookbackHours, maxSamples); err != nil {
		return nil, err
	}
	out := make(map[string]AnomalyResult)
	err := e.eachSource(ctx, sourceIDs, lookbackHours, maxSamples, func(id string, samples []model.Sample) {
		out[id] = DetectAnomaly(id, usedSeries(samples), e.opts.MinSamples, e.opts.AnomalyMultiplier)
	})
	return out, err
}

// GetProviderReliability counts successes and errors per source.
func (e *Engine) GetProviderReliability(ctx context.Context, sourceIDs []string, lookbackHours, maxSamples int) (map[string]Reliability, error) {
	if err := validate(lookbackHours, maxSamples); err != nil {
		return nil, err
	}
	out := make(map[string]Reliability)
	err := e.eachSource(ctx, sourceIDs, lookbackHours, maxSamples, func(id string, samples []model.Sample) {
		out[id] = ReliabilityOf(id, samples)
	})
	return out, err
}

func (e *Engine) eachSource(ctx context.Context, sourceIDs []string, lookbackHours, maxSamples int, fn func(string, []model.Sample)) error {
	ids := sourceIDs
	if len(ids) == 0 {
		sources, err := e.store.ListSources(ctx)
		if err != nil {
			return fmt.Errorf("list sources: %w", err)
		}
		for _, src := range sources {
			ids = append(ids, src.ID)
		}
	}

	from := e.now().Add(-time.Duration(lookbackHours) * time.Hour)
	for _, id := range ids {
		samples, err := e.store.ListSamples(ctx, storage.HistoryQuery{SourceID: id, From: from, Limit: maxSamples})
		if err != nil {
			return fmt.Errorf("load history for %s: %w", id, err)
		}
		e.logger.Debug().Str("source", id).Int("samples", len(samples)).Msg("analytics window loaded")
		fn(id, samples)
	}
	return nil
}

// BurnRate fits the burn rate of the current cycle. samples must be in
// ascending time order.
func BurnRate(sourceID string, samples []model.Sample) BurnRateForecast {
	res := BurnRateForecast{SourceID: sourceID}

	var usable []model.Sample
	for _, s := range samples {
		if s.IsAvailable {
			usable = append(usable, s)
		}
	}

	start := 0
	for i := len(usable) - 1; i > 0; i-- {
		if usable[i].Used < usable[i-1].Used {
			start = i
			break
		}
	}
	cycle := usable[start:]
	res.SampleCount = len(cycle)
	if len(cycle) < 2 {
		res.Reason = "insufficient samples in current cycle"
		return res
	}

	first, last := cycle[0], cycle[len(cycle)-1]
	elapsedDays := last.FetchedAt.Sub(first.FetchedAt).Hours() / 24
	if elapsedDays <= 0 {
		res.Reason = "samples share a timestamp"
		return res
	}

	res.IsAvailable = true
	res.BurnRatePerDay = (last.Used - first.Used) / elapsedDays
	if last.Available > 0 {
		res.RemainingUnits = math.Max(0, last.Available-last.Used)
	}
	if res.BurnRatePerDay > 0 && last.Available > 0 {
		days := res.RemainingUnits / res.BurnRatePerDay
		res.DaysUntilExhausted = &days
	}
	return res
}

// DetectAnomaly compares the last delta of values against the mean and
// standard deviation of the earlier deltas.
func DetectAnomaly(sourceID string, values []float64, minSamples int, multiplier float64) AnomalyResult {
	res := AnomalyResult{SourceID: sourceID, Direction: DirectionNone}
	if minSamples < 3 {
		minSamples = 3
	}
	if len(values) < minSamples {
		res.Reason = fmt.Sprintf("need at least %d samples, have %d", minSamples, len(values))
		return res
	}

	deltas := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		deltas = append(deltas, values[i]-values[i-1])
	}
	baseline := deltas[:len(deltas)-1]
	latest := deltas[len(deltas)-1]

	var sum float64
	for _, d := range baseline {
		sum += d
	}
	mean := sum / float64(len(baseline))
	var sq float64
	for _, d := range baseline {
		sq += (d - mean) * (d - mean)
	}
	spread := math.Sqrt(sq / float64(len(baseline)))
	if floor := math.Abs(mean) * spreadFloorRatio; spread < floor {
		spread = floor
	}

	res.IsAvailable = true
	res.LatestDelta = latest
	res.BaselineMean = mean
	res.BaselineSpread = spread

	tolerance := multiplier * spread
	switch dev := latest - mean; {
	case dev > tolerance:
		res.HasAnomaly = true
		res.Direction = DirectionSpike
	case dev < -tolerance:
		res.HasAnomaly = true
		res.Direction = DirectionDrop
	}
	return res
}

// ReliabilityOf counts fetch outcomes in samples.
func ReliabilityOf(sourceID string, samples []model.Sample) Reliability {
	res := Reliability{SourceID: sourceID, TotalSamples: len(samples)}
	if len(samples) == 0 {
		return res
	}
	var latency int64
	for _, s := range samples {
		latency += s.LatencyMs
		if s.IsAvailable && !s.HasInternalError() {
			res.SuccessCount++
			continue
		}
		res.ErrorCount++
		at := s.FetchedAt
		res.LastError = s.StatusMessage
		res.LastErrorAt = &at
	}
	total := float64(len(samples))
	res.SuccessRate = float64(res.SuccessCount) / total
	res.ErrorRate = float64(res.ErrorCount) / total
	res.AvgLatencyMs = float64(latency) / total
	res.IsAvailable = true
	return res
}

func usedSeries(samples []model.Sample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.IsAvailable {
			out = append(out, s.Used)
		}
	}
	return out
}
