package kv

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestPutUpsertsWithExpiry(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO pincer_kv").
		WithArgs("pairing:ABCD-1234", []byte(`{"workerUrl":"https://x"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), "pairing:ABCD-1234", []byte(`{"workerUrl":"https://x"}`), 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsErrNotFoundWhenMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("vault:secret:MISSING").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "vault:secret:MISSING")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsErrNotFoundWhenExpired(t *testing.T) {
	store, mock := newMockStore(t)

	past := time.Now().Add(-time.Minute)
	rows := sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("secret"), past)
	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("pairing:EXPIRED1").
		WillReturnRows(rows)

	_, err := store.Get(context.Background(), "pairing:EXPIRED1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsValueWhenFresh(t *testing.T) {
	store, mock := newMockStore(t)

	future := time.Now().Add(time.Minute)
	rows := sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("hello"), future)
	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("vault:secret:API_KEY").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "vault:secret:API_KEY")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestDeleteIfPresentReportsWinner(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM pincer_kv").
		WithArgs("pairing:ONCECODE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.DeleteIfPresent(context.Background(), "pairing:ONCECODE")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeleteIfPresentReportsLoser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM pincer_kv").
		WithArgs("pairing:ONCECODE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.DeleteIfPresent(context.Background(), "pairing:ONCECODE")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListByPrefixOrdersByKey(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"key", "value", "expires_at", "updated_at"}).
		AddRow("audit:proposal:2026-01-01T00:00:00Z:ae_1", []byte("{}"), nil, time.Now()).
		AddRow("audit:proposal:2026-01-02T00:00:00Z:ae_2", []byte("{}"), nil, time.Now())
	mock.ExpectQuery("SELECT key, value, expires_at, updated_at FROM pincer_kv").
		WithArgs("audit:proposal:%").
		WillReturnRows(rows)

	entries, err := store.ListByPrefix(context.Background(), "audit:proposal:")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "audit:proposal:2026-01-01T00:00:00Z:ae_1", entries[0].Key)
}

func TestDeleteExpiredReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM pincer_kv WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.DeleteExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}
