package vault

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/dhannusch/pincer/internal/kv"
)

func newTestVault(t *testing.T) (*Vault, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(kv.New(db), "test-kek-material"), mock
}

func TestPutRejectsInvalidBinding(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.Put(context.Background(), "bad binding!", "secret", "admin")
	require.ErrorIs(t, err, ErrInvalidBinding)
}

func TestPutRejectsEmptyPlaintext(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.Put(context.Background(), "API_KEY", "", "admin")
	require.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestPutEncryptsAndStoresEnvelope(t *testing.T) {
	v, mock := newTestVault(t)

	mock.ExpectExec("INSERT INTO pincer_kv").
		WithArgs("vault:secret:API_KEY", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := v.Put(context.Background(), "API_KEY", "sk-live-abc123", "admin")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsEmptyWhenMissing(t *testing.T) {
	v, mock := newTestVault(t)

	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("vault:secret:MISSING").
		WillReturnError(sql.ErrNoRows)

	secret, err := v.Get(context.Background(), "MISSING")
	require.NoError(t, err)
	require.Equal(t, "", secret)
}

func TestResolveFallsBackToEnv(t *testing.T) {
	v, mock := newTestVault(t)
	t.Setenv("PINCER_TEST_BINDING", "env-value")

	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("vault:secret:PINCER_TEST_BINDING").
		WillReturnError(sql.ErrNoRows)

	resolved, err := v.Resolve(context.Background(), "PINCER_TEST_BINDING")
	require.NoError(t, err)
	require.Equal(t, "env-value", resolved)
}
