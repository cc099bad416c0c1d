package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"quota-watch/internal/model"
)

const (
	postgresMigration = `
CREATE TABLE IF NOT EXISTS sources (
    id           TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    auth_source  TEXT NOT NULL DEFAULT '',
    account_name TEXT NOT NULL DEFAULT '',
    auth_present BOOLEAN NOT NULL DEFAULT FALSE,
    kind         TEXT NOT NULL DEFAULT 'quota',
    is_system    BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    is_active    BOOLEAN NOT NULL DEFAULT TRUE,
    config_json  JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS history (
    id             BIGSERIAL PRIMARY KEY,
    source_id      TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    used           DOUBLE PRECISION NOT NULL,
    available      DOUBLE PRECISION NOT NULL,
    percentage     DOUBLE PRECISION NOT NULL,
    is_available   BOOLEAN NOT NULL,
    status_message TEXT NOT NULL DEFAULT '',
    next_reset_at  TIMESTAMPTZ,
    fetched_at     TIMESTAMPTZ NOT NULL,
    details_json   JSONB,
    latency_ms     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reset_events (
    id            TEXT PRIMARY KEY,
    source_id     TEXT NOT NULL,
    source_name   TEXT NOT NULL,
    previous_used DOUBLE PRECISION NOT NULL,
    new_used      DOUBLE PRECISION NOT NULL,
    reset_type    TEXT NOT NULL,
    timestamp     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_snapshots (
    id          BIGSERIAL PRIMARY KEY,
    source_id   TEXT NOT NULL,
    raw_payload TEXT NOT NULL,
    http_status INTEGER NOT NULL DEFAULT 0,
    fetched_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_source_fetched ON history(source_id, fetched_at);
CREATE INDEX IF NOT EXISTS idx_reset_events_source ON reset_events(source_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_raw_snapshots_fetched ON raw_snapshots(fetched_at);`

	pgUpsertSourceSQL = `INSERT INTO sources (
        id, display_name, auth_source, account_name, auth_present, kind, is_system, updated_at, is_active, config_json
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO UPDATE
    SET
        display_name = EXCLUDED.display_name,
        auth_source  = EXCLUDED.auth_source,
        account_name = EXCLUDED.account_name,
        auth_present = EXCLUDED.auth_present,
        kind         = EXCLUDED.kind,
        is_system    = EXCLUDED.is_system,
        updated_at   = EXCLUDED.updated_at,
        is_active    = EXCLUDED.is_active,
        config_json  = EXCLUDED.config_json;`

	pgSourceColumns = `id, display_name, auth_source, account_name, auth_present, kind, is_system, updated_at, is_active, config_json`

	pgInsertSampleSQL = `INSERT INTO history (
        source_id, used, available, percentage, is_available, status_message, next_reset_at, fetched_at, details_json, latency_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	pgSampleColumns = `id, source_id, used, available, percentage, is_available, status_message, next_reset_at, fetched_at, details_json, latency_ms`

	pgInsertResetEventSQL = `INSERT INTO reset_events (
        id, source_id, source_name, previous_used, new_used, reset_type, timestamp
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	pgInsertRawSnapshotSQL = `INSERT INTO raw_snapshots (source_id, raw_payload, http_status, fetched_at)
    VALUES ($1,$2,$3,$4);`

	pgPurgeRawSnapshotsSQL = `DELETE FROM raw_snapshots WHERE fetched_at < $1;`
	pgPurgeHistorySQL      = `DELETE FROM history WHERE fetched_at < $1;`

	tryAdvisoryXactLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// pgxPool is the subset of *pgxpool.Pool the store relies on.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore wires a pgx pool into a Store.
func NewPostgresStore(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) getPool() (pgxPool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate creates the schema when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, postgresMigration)
	return wrapStorage(err, "postgres: migrate")
}

// TryAdvisoryLock takes a transaction-scoped advisory lock and returns a release func.
// The lock lives as long as the transaction, so the caller must call unlock.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, wrapStorage(err, "postgres: begin advisory lock")
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryXactLockSQL, key).Scan(&acquired); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, wrapStorage(err, "postgres: try advisory lock")
	}
	if !acquired {
		_ = tx.Rollback(ctx)
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tx.Rollback(ctxUnlock)
	}
	return unlock, true, nil
}

// UpsertSource inserts the source or updates it in place.
func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	updated := src.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = pool.Exec(ctx, pgUpsertSourceSQL,
		src.ID, src.DisplayName, src.AuthSource, src.AccountName, src.AuthPresent,
		string(src.Kind), src.System, updated, src.Active, configJSON(src.Config),
	)
	return wrapStoragef(err, "postgres: upsert source %s", src.ID)
}

// GetSource loads one source by id.
func (s *PostgresStore) GetSource(ctx context.Context, id string) (model.Source, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Source{}, err
	}
	src, err := scanPGSource(pool.QueryRow(ctx, `SELECT `+pgSourceColumns+` FROM sources WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	return src, wrapStoragef(err, "postgres: get source %s", id)
}

// ListSources lists the registry ordered by id.
func (s *PostgresStore) ListSources(ctx context.Context) ([]model.Source, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT `+pgSourceColumns+` FROM sources ORDER BY id;`)
	if err != nil {
		return nil, wrapStorage(err, "postgres: list sources")
	}
	defer rows.Close()

	sources := make([]model.Source, 0)
	for rows.Next() {
		src, scanErr := scanPGSource(rows)
		if scanErr != nil {
			return nil, wrapStorage(scanErr, "postgres: scan source")
		}
		sources = append(sources, src)
	}
	return sources, wrapStorage(rows.Err(), "postgres: list sources iterate")
}

// AppendSamples inserts samples in one transaction.
func (s *PostgresStore) AppendSamples(ctx context.Context, samples []model.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, wrapStorage(err, "postgres: begin append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, sample := range samples {
		details, err := encodeDetails(sample.Details)
		if err != nil {
			return 0, wrapStoragef(err, "postgres: marshal details for %s", sample.SourceID)
		}
		if _, err := tx.Exec(ctx, pgInsertSampleSQL,
			sample.SourceID, sample.Used, sample.Available, sample.Percentage, sample.IsAvailable,
			sample.StatusMessage, sample.NextResetAt, sample.FetchedAt.UTC(), details, sample.LatencyMs,
		); err != nil {
			return 0, wrapStoragef(err, "postgres: insert sample for %s", sample.SourceID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrapStorage(err, "postgres: commit append")
	}
	return len(samples), nil
}

// LatestSamples returns the newest sample of every source.
func (s *PostgresStore) LatestSamples(ctx context.Context) ([]model.Sample, error) {
	return s.querySamples(ctx, `SELECT DISTINCT ON (source_id) `+pgSampleColumns+` FROM history
    ORDER BY source_id, fetched_at DESC, id DESC;`)
}

// RecentSamples returns up to limit samples for a source, newest first.
func (s *PostgresStore) RecentSamples(ctx context.Context, sourceID string, limit int) ([]model.Sample, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.querySamples(ctx, `SELECT `+pgSampleColumns+` FROM history
    WHERE source_id = $1
    ORDER BY fetched_at DESC, id DESC
    LIMIT $2;`, sourceID, limit)
}

// ListSamples returns samples matching q in ascending time order.
func (s *PostgresStore) ListSamples(ctx context.Context, q HistoryQuery) ([]model.Sample, error) {
	inner := `SELECT ` + pgSampleColumns + ` FROM history WHERE TRUE`
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.SourceID != "" {
		inner += ` AND source_id = ` + next(q.SourceID)
	}
	if !q.From.IsZero() {
		inner += ` AND fetched_at >= ` + next(q.From.UTC())
	}
	if !q.To.IsZero() {
		inner += ` AND fetched_at < ` + next(q.To.UTC())
	}
	inner += ` ORDER BY fetched_at DESC, id DESC`
	if q.Limit > 0 {
		inner += ` LIMIT ` + next(q.Limit)
	}
	return s.querySamples(ctx, `SELECT * FROM (`+inner+`) AS recent ORDER BY fetched_at ASC, id ASC;`, args...)
}

// CountSamples counts stored samples, optionally for one source.
func (s *PostgresStore) CountSamples(ctx context.Context, sourceID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM history`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = $1`
		args = append(args, sourceID)
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, query, args...).Scan(&count); scanErr != nil {
		return 0, wrapStorage(scanErr, "postgres: count samples")
	}
	return count, nil
}

// InsertResetEvent appends a reset event.
func (s *PostgresStore) InsertResetEvent(ctx context.Context, ev model.ResetEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, pgInsertResetEventSQL,
		ev.ID, ev.SourceID, ev.SourceName, ev.PreviousUsed, ev.NewUsed, string(ev.ResetType), ev.Timestamp.UTC(),
	)
	return wrapStoragef(err, "postgres: insert reset event for %s", ev.SourceID)
}

// ListResetEvents lists reset events newest first, optionally for one source.
func (s *PostgresStore) ListResetEvents(ctx context.Context, sourceID string, limit int) ([]model.ResetEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query := `SELECT id, source_id, source_name, previous_used, new_used, reset_type, timestamp FROM reset_events`
	var args []any
	if sourceID != "" {
		args = append(args, sourceID)
		query += ` WHERE source_id = $1`
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err, "postgres: list reset events")
	}
	defer rows.Close()

	events := make([]model.ResetEvent, 0)
	for rows.Next() {
		var (
			ev        model.ResetEvent
			resetType string
		)
		if err := rows.Scan(&ev.ID, &ev.SourceID, &ev.SourceName, &ev.PreviousUsed, &ev.NewUsed, &resetType, &ev.Timestamp); err != nil {
			return nil, wrapStorage(err, "postgres: scan reset event")
		}
		ev.ResetType = model.ResetType(resetType)
		events = append(events, ev)
	}
	return events, wrapStorage(rows.Err(), "postgres: list reset events iterate")
}

// InsertRawSnapshot stores a raw adapter payload.
func (s *PostgresStore) InsertRawSnapshot(ctx context.Context, snap model.RawSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, pgInsertRawSnapshotSQL, snap.SourceID, snap.RawPayload, snap.HTTPStatus, snap.FetchedAt.UTC())
	return wrapStoragef(err, "postgres: insert raw snapshot for %s", snap.SourceID)
}

// ListRawSnapshots lists raw payloads newest first.
func (s *PostgresStore) ListRawSnapshots(ctx context.Context, sourceID string, limit int) ([]model.RawSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query := `SELECT source_id, raw_payload, http_status, fetched_at FROM raw_snapshots`
	var args []any
	if sourceID != "" {
		args = append(args, sourceID)
		query += ` WHERE source_id = $1`
	}
	query += ` ORDER BY fetched_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err, "postgres: list raw snapshots")
	}
	defer rows.Close()

	snaps := make([]model.RawSnapshot, 0)
	for rows.Next() {
		var snap model.RawSnapshot
		if err := rows.Scan(&snap.SourceID, &snap.RawPayload, &snap.HTTPStatus, &snap.FetchedAt); err != nil {
			return nil, wrapStorage(err, "postgres: scan raw snapshot")
		}
		snaps = append(snaps, snap)
	}
	return snaps, wrapStorage(rows.Err(), "postgres: list raw snapshots iterate")
}

// PurgeRawSnapshots deletes raw payloads older than the cutoff.
func (s *PostgresStore) PurgeRawSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, pgPurgeRawSnapshotsSQL, olderThan, "raw snapshots")
}

// PurgeHistory deletes samples older than the cutoff.
func (s *PostgresStore) PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, pgPurgeHistorySQL, olderThan, "history")
}

// Optimize refreshes planner statistics.
func (s *PostgresStore) Optimize(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `ANALYZE history;`)
	return wrapStorage(err, "postgres: analyze")
}

func (s *PostgresStore) deleteBefore(ctx context.Context, query string, cutoff time.Time, what string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, wrapStoragef(err, "postgres: purge %s", what)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) querySamples(ctx context.Context, query string, args ...any) ([]model.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err, "postgres: query samples")
	}
	defer rows.Close()

	samples := make([]model.Sample, 0)
	for rows.Next() {
		sample, scanErr := scanPGSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	return samples, wrapStorage(rows.Err(), "postgres: query samples iterate")
}

func scanPGSource(row pgx.Row) (model.Source, error) {
	var (
		src  model.Source
		kind string
		cfg  []byte
	)
	if err := row.Scan(&src.ID, &src.DisplayName, &src.AuthSource, &src.AccountName, &src.AuthPresent,
		&kind, &src.System, &src.UpdatedAt, &src.Active, &cfg); err != nil {
		return model.Source{}, err
	}
	src.Kind = model.SourceKind(kind)
	src.Config = cfg
	return src, nil
}

func scanPGSample(rows pgx.Rows) (model.Sample, error) {
	var (
		sample    model.Sample
		nextReset *time.Time
		details   []byte
	)
	if err := rows.Scan(&sample.ID, &sample.SourceID, &sample.Used, &sample.Available, &sample.Percentage,
		&sample.IsAvailable, &sample.StatusMessage, &nextReset, &sample.FetchedAt, &details, &sample.LatencyMs); err != nil {
		return model.Sample{}, wrapStorage(err, "postgres: scan sample")
	}
	if nextReset != nil {
		t := nextReset.UTC()
		sample.NextResetAt = &t
	}
	sample.FetchedAt = sample.FetchedAt.UTC()
	parsed, err := decodeDetails(details)
	if err != nil {
		return model.Sample{}, model.StorageError(eris.Wrapf(err, "postgres: decode details for %s", sample.SourceID))
	}
	sample.Details = parsed
	return sample, nil
}

var _ Store = (*PostgresStore)(nil)
var _ AdvisoryLocker = (*PostgresStore)(nil)
