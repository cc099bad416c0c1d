// Package resetdetect decides whether a source's quota or spend cycle renewed
// between its two most recent stored samples.
package resetdetect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quota-watch/internal/model"
)

// Tunable heuristics. The values are empirical; keep them overridable.
const (
	DefaultQuotaHighPct   = 50.0
	DefaultQuotaDropRatio = 0.3
	DefaultUsageDropRatio = 0.2
	DefaultScheduleSlack  = time.Minute
)

// Options override the default heuristics. Zero values keep the defaults.
type Options struct {
	QuotaHighPct   float64
	QuotaDropRatio float64
	UsageDropRatio float64
	ScheduleSlack  time.Duration
}

// Store is the slice of persistence the detector needs.
type Store interface {
	RecentSamples(ctx context.Context, sourceID string, limit int) ([]model.Sample, error)
	InsertResetEvent(ctx context.Context, event model.ResetEvent) error
}

// Detector compares consecutive samples and records reset events.
type Detector struct {
	opts   Options
	store  Store
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// New builds a detector bound to a store.
func New(store Store, opts Options, logger zerolog.Logger) *Detector {
	if opts.QuotaHighPct <= 0 {
		opts.QuotaHighPct = DefaultQuotaHighPct
	}
	if opts.QuotaDropRatio <= 0 {
		opts.QuotaDropRatio = DefaultQuotaDropRatio
	}
	if opts.UsageDropRatio <= 0 {
		opts.UsageDropRatio = DefaultUsageDropRatio
	}
	if opts.ScheduleSlack <= 0 {
		opts.ScheduleSlack = DefaultScheduleSlack
	}
	return &Detector{
		opts:   opts,
		store:  store,
		logger: logger.With().Str("component", "reset_detector").Logger(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Detect applies the rules in order: an advanced upstream reset schedule, a
// sharp used-percentage drop for quota sources, then a spend drop for
// usage-based sources. previous must be older than current.
func (d *Detector) Detect(kind model.SourceKind, previous, current model.Sample) (model.ResetType, bool) {
	if previous.NextResetAt != nil && current.NextResetAt != nil &&
		current.NextResetAt.After(previous.NextResetAt.Add(d.opts.ScheduleSlack)) {
		if kind == model.KindUsageBased {
			return model.ResetUsage, true
		}
		return model.ResetQuota, true
	}

	switch kind {
	case model.KindUsageBased:
		if previous.Used > 0 && previous.Used > current.Used &&
			(previous.Used-current.Used)/previous.Used > d.opts.UsageDropRatio {
			return model.ResetUsage, true
		}
	default:
		p := previous.UsedPercent()
		c := current.UsedPercent()
		if p > d.opts.QuotaHighPct && c < p*d.opts.QuotaDropRatio {
			return model.ResetQuota, true
		}
	}
	return "", false
}

// Check loads the two latest samples of source and persists an event when a
// reset is detected. Sources still warming up return (nil, nil).
func (d *Detector) Check(ctx context.Context, source model.Source) (*model.ResetEvent, error) {
	samples, err := d.store.RecentSamples(ctx, source.ID, 2)
	if err != nil {
		return nil, fmt.Errorf("load recent samples for %s: %w", source.ID, err)
	}
	if len(samples) < 2 {
		return nil, nil
	}
	current, previous := samples[0], samples[1]

	resetType, ok := d.Detect(source.Kind, previous, current)
	if !ok {
		return nil, nil
	}

	name := source.DisplayName
	if name == "" {
		name = source.ID
	}
	event := model.ResetEvent{
		ID:           d.newID(),
		SourceID:     source.ID,
		SourceName:   name,
		PreviousUsed: previous.Used,
		NewUsed:      current.Used,
		ResetType:    resetType,
		Timestamp:    d.now().UTC(),
	}
	if err := d.store.InsertResetEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("insert reset event for %s: %w", source.ID, err)
	}

	d.logger.Info().
		Str("source", source.ID).
		Str("type", string(resetType)).
		Float64("previous_used", previous.Used).
		Float64("new_used", current.Used).
		Msg("检测到额度重置")
	return &event, nil
}

// CheckAll runs Check for every source and stops at the first store error.
func (d *Detector) CheckAll(ctx context.Context, sources []model.Source) ([]model.ResetEvent, error) {
	var events []model.ResetEvent
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		ev, err := d.Check(ctx, src)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}
