package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-watch/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

func TestPostgres_UpsertSourceUsesOnConflict(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("(?s)INSERT INTO sources.*ON CONFLICT \\(id\\) DO UPDATE").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.UpsertSource(context.Background(), model.Source{ID: "a", DisplayName: "A", Kind: model.KindQuota})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendSamplesTransactional(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO history").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO history").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := st.AppendSamples(context.Background(), []model.Sample{
		{SourceID: "a", FetchedAt: now, Used: 1, IsAvailable: true},
		{SourceID: "a", FetchedAt: now.Add(time.Minute), Used: 2, IsAvailable: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendSamplesRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO history").WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	_, err := st.AppendSamples(context.Background(), []model.Sample{{SourceID: "ghost", FetchedAt: time.Now()}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStorage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CountSamples(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM history WHERE source_id").
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	count, err := st.CountSamples(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PurgeRawSnapshots(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM raw_snapshots").WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := st.PurgeRawSnapshots(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TryAdvisoryLock(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	unlock, acquired, err := st.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, acquired)
	unlock()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TryAdvisoryLockHeldElsewhere(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	unlock, acquired, err := st.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Nil(t, unlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_NotConfigured(t *testing.T) {
	var st *PostgresStore
	_, err := st.CountSamples(context.Background(), "")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
