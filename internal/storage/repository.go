package storage

import (
	"context"
	"errors"
	"time"

	"quota-watch/internal/model"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// SourceStore manages the mutable source registry. Registration is an
// upsert; rows are never deleted and recreated.
type SourceStore interface {
	UpsertSource(ctx context.Context, source model.Source) error
	GetSource(ctx context.Context, id string) (model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
}

// HistoryStore is the append-only time series of samples.
type HistoryStore interface {
	AppendSamples(ctx context.Context, samples []model.Sample) (int, error)
	LatestSamples(ctx context.Context) ([]model.Sample, error)
	RecentSamples(ctx context.Context, sourceID string, limit int) ([]model.Sample, error)
	ListSamples(ctx context.Context, q HistoryQuery) ([]model.Sample, error)
	CountSamples(ctx context.Context, sourceID string) (int64, error)
}

// ResetEventStore persists detected resets.
type ResetEventStore interface {
	InsertResetEvent(ctx context.Context, event model.ResetEvent) error
	ListResetEvents(ctx context.Context, sourceID string, limit int) ([]model.ResetEvent, error)
}

// SnapshotStore keeps raw adapter payloads for diagnostics.
type SnapshotStore interface {
	InsertRawSnapshot(ctx context.Context, snap model.RawSnapshot) error
	ListRawSnapshots(ctx context.Context, sourceID string, limit int) ([]model.RawSnapshot, error)
	PurgeRawSnapshots(ctx context.Context, olderThan time.Time) (int64, error)
}

// Maintainer runs housekeeping after a refresh cycle.
type Maintainer interface {
	PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error)
	Optimize(ctx context.Context) error
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates every persistence concern of the tracker.
type Store interface {
	SourceStore
	HistoryStore
	ResetEventStore
	SnapshotStore
	Maintainer
	Migrate(ctx context.Context) error
	Close() error
}
