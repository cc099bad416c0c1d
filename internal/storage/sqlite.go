package storage

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"quota-watch/internal/model"
)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	auth_source  TEXT NOT NULL DEFAULT '',
	account_name TEXT NOT NULL DEFAULT '',
	auth_present INTEGER NOT NULL DEFAULT 0,
	kind         TEXT NOT NULL DEFAULT 'quota',
	is_system    INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 1,
	config_json  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id      TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	used           REAL NOT NULL,
	available      REAL NOT NULL,
	percentage     REAL NOT NULL,
	is_available   INTEGER NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	next_reset_at  INTEGER,
	fetched_at     INTEGER NOT NULL,
	details_json   TEXT,
	latency_ms     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reset_events (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL,
	source_name   TEXT NOT NULL,
	previous_used REAL NOT NULL,
	new_used      REAL NOT NULL,
	reset_type    TEXT NOT NULL,
	timestamp     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   TEXT NOT NULL,
	raw_payload TEXT NOT NULL,
	http_status INTEGER NOT NULL DEFAULT 0,
	fetched_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_source_fetched ON history(source_id, fetched_at);
CREATE INDEX IF NOT EXISTS idx_history_fetched ON history(fetched_at);
CREATE INDEX IF NOT EXISTS idx_reset_events_source ON reset_events(source_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_raw_snapshots_fetched ON raw_snapshots(fetched_at);
`

const (
	sqliteUpsertSourceSQL = `INSERT INTO sources (
		id, display_name, auth_source, account_name, auth_present, kind, is_system, updated_at, is_active, config_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		auth_source  = excluded.auth_source,
		account_name = excluded.account_name,
		auth_present = excluded.auth_present,
		kind         = excluded.kind,
		is_system    = excluded.is_system,
		updated_at   = excluded.updated_at,
		is_active    = excluded.is_active,
		config_json  = excluded.config_json`

	sqliteSourceColumns = `id, display_name, auth_source, account_name, auth_present, kind, is_system, updated_at, is_active, config_json`

	sqliteInsertSampleSQL = `INSERT INTO history (
		source_id, used, available, percentage, is_available, status_message, next_reset_at, fetched_at, details_json, latency_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqliteSampleColumns = `id, source_id, used, available, percentage, is_available, status_message, next_reset_at, fetched_at, details_json, latency_ms`
)

// SQLiteStore implements Store on an embedded single-file database using
// modernc.org/sqlite. Writes are serialised through writeMu.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path with WAL and foreign keys enabled.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, model.StorageError(eris.Wrap(err, "sqlite: open"))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, model.StorageError(eris.Wrap(err, "sqlite: ping"))
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the schema when missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return wrapStorage(err, "sqlite: migrate")
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertSource inserts the source or updates it in place.
func (s *SQLiteStore) UpsertSource(ctx context.Context, src model.Source) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updated := src.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, sqliteUpsertSourceSQL,
		src.ID, src.DisplayName, src.AuthSource, src.AccountName, src.AuthPresent,
		string(src.Kind), src.System, toMillis(updated), src.Active, string(configJSON(src.Config)),
	)
	return wrapStoragef(err, "sqlite: upsert source %s", src.ID)
}

// GetSource loads one source by id.
func (s *SQLiteStore) GetSource(ctx context.Context, id string) (model.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSQLiteSource(row)
	if err == sql.ErrNoRows {
		return model.Source{}, ErrNotFound
	}
	return src, wrapStoragef(err, "sqlite: get source %s", id)
}

// ListSources lists the registry ordered by id.
func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, wrapStorage(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSQLiteSource(rows)
		if err != nil {
			return nil, wrapStorage(err, "sqlite: scan source")
		}
		sources = append(sources, src)
	}
	return sources, wrapStorage(rows.Err(), "sqlite: list sources iterate")
}

// AppendSamples inserts samples in one transaction.
func (s *SQLiteStore) AppendSamples(ctx context.Context, samples []model.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapStorage(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertSampleSQL)
	if err != nil {
		return 0, wrapStorage(err, "sqlite: prepare append")
	}
	defer stmt.Close()

	for _, sample := range samples {
		details, err := encodeDetails(sample.Details)
		if err != nil {
			return 0, wrapStoragef(err, "sqlite: marshal details for %s", sample.SourceID)
		}
		var detailsArg any
		if details != nil {
			detailsArg = string(details)
		}
		var resetArg any
		if sample.NextResetAt != nil {
			resetArg = toMillis(*sample.NextResetAt)
		}
		if _, err := stmt.ExecContext(ctx,
			sample.SourceID, sample.Used, sample.Available, sample.Percentage, sample.IsAvailable,
			sample.StatusMessage, resetArg, toMillis(sample.FetchedAt), detailsArg, sample.LatencyMs,
		); err != nil {
			return 0, wrapStoragef(err, "sqlite: insert sample for %s", sample.SourceID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapStorage(err, "sqlite: commit append")
	}
	return len(samples), nil
}

// LatestSamples returns the newest sample of every source, ordered the same
// way as RecentSamples.
func (s *SQLiteStore) LatestSamples(ctx context.Context) ([]model.Sample, error) {
	return s.querySamples(ctx, `SELECT `+sqliteSampleColumns+` FROM (
			SELECT `+sqliteSampleColumns+`,
				ROW_NUMBER() OVER (PARTITION BY source_id ORDER BY fetched_at DESC, id DESC) AS rn
			FROM history
		)
		WHERE rn = 1
		ORDER BY source_id`)
}

// RecentSamples returns up to limit samples for a source, newest first.
func (s *SQLiteStore) RecentSamples(ctx context.Context, sourceID string, limit int) ([]model.Sample, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.querySamples(ctx, `SELECT `+sqliteSampleColumns+` FROM history
		WHERE source_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?`, sourceID, limit)
}

// ListSamples returns samples matching q in ascending time order.
func (s *SQLiteStore) ListSamples(ctx context.Context, q HistoryQuery) ([]model.Sample, error) {
	inner := `SELECT ` + sqliteSampleColumns + ` FROM history WHERE 1=1`
	var args []any
	if q.SourceID != "" {
		inner += ` AND source_id = ?`
		args = append(args, q.SourceID)
	}
	if !q.From.IsZero() {
		inner += ` AND fetched_at >= ?`
		args = append(args, toMillis(q.From))
	}
	if !q.To.IsZero() {
		inner += ` AND fetched_at < ?`
		args = append(args, toMillis(q.To))
	}
	inner += ` ORDER BY fetched_at DESC, id DESC`
	if q.Limit > 0 {
		inner += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.querySamples(ctx, `SELECT * FROM (`+inner+`) ORDER BY fetched_at ASC, id ASC`, args...)
}

// CountSamples counts stored samples, optionally for one source.
func (s *SQLiteStore) CountSamples(ctx context.Context, sourceID string) (int64, error) {
	query := `SELECT COUNT(*) FROM history`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, wrapStorage(err, "sqlite: count samples")
}

// InsertResetEvent appends a reset event.
func (s *SQLiteStore) InsertResetEvent(ctx context.Context, ev model.ResetEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reset_events (id, source_id, source_name, previous_used, new_used, reset_type, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SourceID, ev.SourceName, ev.PreviousUsed, ev.NewUsed, string(ev.ResetType), toMillis(ev.Timestamp),
	)
	return wrapStoragef(err, "sqlite: insert reset event for %s", ev.SourceID)
}

// ListResetEvents lists reset events newest first, optionally for one source.
func (s *SQLiteStore) ListResetEvents(ctx context.Context, sourceID string, limit int) ([]model.ResetEvent, error) {
	query := `SELECT id, source_id, source_name, previous_used, new_used, reset_type, timestamp FROM reset_events`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err, "sqlite: list reset events")
	}
	defer rows.Close()

	var events []model.ResetEvent
	for rows.Next() {
		var (
			ev        model.ResetEvent
			resetType string
			ts        int64
		)
		if err := rows.Scan(&ev.ID, &ev.SourceID, &ev.SourceName, &ev.PreviousUsed, &ev.NewUsed, &resetType, &ts); err != nil {
			return nil, wrapStorage(err, "sqlite: scan reset event")
		}
		ev.ResetType = model.ResetType(resetType)
		ev.Timestamp = fromMillis(ts)
		events = append(events, ev)
	}
	return events, wrapStorage(rows.Err(), "sqlite: list reset events iterate")
}

// InsertRawSnapshot stores a raw adapter payload.
func (s *SQLiteStore) InsertRawSnapshot(ctx context.Context, snap model.RawSnapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_snapshots (source_id, raw_payload, http_status, fetched_at) VALUES (?, ?, ?, ?)`,
		snap.SourceID, snap.RawPayload, snap.HTTPStatus, toMillis(snap.FetchedAt),
	)
	return wrapStoragef(err, "sqlite: insert raw snapshot for %s", snap.SourceID)
}

// ListRawSnapshots lists raw payloads newest first.
func (s *SQLiteStore) ListRawSnapshots(ctx context.Context, sourceID string, limit int) ([]model.RawSnapshot, error) {
	query := `SELECT source_id, raw_payload, http_status, fetched_at FROM raw_snapshots`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY fetched_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err, "sqlite: list raw snapshots")
	}
	defer rows.Close()

	var snaps []model.RawSnapshot
	for rows.Next() {
		var (
			snap model.RawSnapshot
			ts   int64
		)
		if err := rows.Scan(&snap.SourceID, &snap.RawPayload, &snap.HTTPStatus, &ts); err != nil {
			return nil, wrapStorage(err, "sqlite: scan raw snapshot")
		}
		snap.FetchedAt = fromMillis(ts)
		snaps = append(snaps, snap)
	}
	return snaps, wrapStorage(rows.Err(), "sqlite: list raw snapshots iterate")
}

// PurgeRawSnapshots deletes raw payloads older than the cutoff.
func (s *SQLiteStore) PurgeRawSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, `DELETE FROM raw_snapshots WHERE fetched_at < ?`, olderThan, "raw snapshots")
}

// PurgeHistory deletes samples older than the cutoff.
func (s *SQLiteStore) PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, `DELETE FROM history WHERE fetched_at < ?`, olderThan, "history")
}

// Optimize refreshes planner statistics and truncates the WAL.
func (s *SQLiteStore) Optimize(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return wrapStorage(err, "sqlite: optimize")
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return wrapStorage(err, "sqlite: wal checkpoint")
}

func (s *SQLiteStore) deleteBefore(ctx context.Context, query string, cutoff time.Time, what string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, query, toMillis(cutoff))
	if err != nil {
		return 0, wrapStoragef(err, "sqlite: purge %s", what)
	}
	n, err := res.RowsAffected()
	return n, wrapStoragef(err, "sqlite: purge %s rows affected", what)
}

func (s *SQLiteStore) querySamples(ctx context.Context, query string, args ...any) ([]model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err, "sqlite: query samples")
	}
	defer rows.Close()

	var samples []model.Sample
	for rows.Next() {
		sample, err := scanSQLiteSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, wrapStorage(rows.Err(), "sqlite: query samples iterate")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSource(row rowScanner) (model.Source, error) {
	var (
		src     model.Source
		kind    string
		updated int64
		cfg     string
	)
	if err := row.Scan(&src.ID, &src.DisplayName, &src.AuthSource, &src.AccountName, &src.AuthPresent,
		&kind, &src.System, &updated, &src.Active, &cfg); err != nil {
		return model.Source{}, err
	}
	src.Kind = model.SourceKind(kind)
	src.UpdatedAt = fromMillis(updated)
	src.Config = []byte(cfg)
	return src, nil
}

func scanSQLiteSample(row rowScanner) (model.Sample, error) {
	var (
		sample    model.Sample
		nextReset sql.NullInt64
		fetched   int64
		details   sql.NullString
	)
	if err := row.Scan(&sample.ID, &sample.SourceID, &sample.Used, &sample.Available, &sample.Percentage,
		&sample.IsAvailable, &sample.StatusMessage, &nextReset, &fetched, &details, &sample.LatencyMs); err != nil {
		return model.Sample{}, wrapStorage(err, "sqlite: scan sample")
	}
	sample.FetchedAt = fromMillis(fetched)
	if nextReset.Valid {
		t := fromMillis(nextReset.Int64)
		sample.NextResetAt = &t
	}
	if details.Valid {
		parsed, err := decodeDetails([]byte(details.String))
		if err != nil {
			return model.Sample{}, wrapStoragef(err, "sqlite: decode details for %s", sample.SourceID)
		}
		sample.Details = parsed
	}
	return sample, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func wrapStorage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return model.StorageError(eris.Wrap(err, msg))
}

func wrapStoragef(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return model.StorageError(eris.Wrapf(err, format, args...))
}

var _ Store = (*SQLiteStore)(nil)
