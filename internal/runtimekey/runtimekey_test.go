package runtimekey

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/dhannusch/pincer/internal/kv"
	"github.com/dhannusch/pincer/internal/vault"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := kv.New(db)
	return New(store, vault.New(store, "test-kek")), mock
}

func TestLoadReturnsErrNotConfiguredWhenMissing(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("runtime:active").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestEffectiveBindingsFallsBackToDefaults(t *testing.T) {
	rec := &Record{}
	hmacBinding, keyBinding := rec.EffectiveBindings("PINCER_HMAC_SECRET_ACTIVE", "PINCER_RUNTIME_KEY_SECRET_ACTIVE")
	require.Equal(t, "PINCER_HMAC_SECRET_ACTIVE", hmacBinding)
	require.Equal(t, "PINCER_RUNTIME_KEY_SECRET_ACTIVE", keyBinding)
}

func TestEffectiveBindingsPrefersRecordFields(t *testing.T) {
	rec := &Record{HMACSecretBinding: "CUSTOM_HMAC", KeySecretBinding: "CUSTOM_KEY"}
	hmacBinding, keyBinding := rec.EffectiveBindings("DEFAULT_HMAC", "DEFAULT_KEY")
	require.Equal(t, "CUSTOM_HMAC", hmacBinding)
	require.Equal(t, "CUSTOM_KEY", keyBinding)
}

func TestRotateWritesVaultSecretsAndRecord(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO pincer_kv").
		WithArgs("vault:secret:PINCER_RUNTIME_KEY_SECRET_ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pincer_kv").
		WithArgs("vault:secret:PINCER_HMAC_SECRET_ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pincer_kv").
		WithArgs("runtime:active", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rotated, err := s.Rotate(ctx, "PINCER_HMAC_SECRET_ACTIVE", "PINCER_RUNTIME_KEY_SECRET_ACTIVE", 60, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, rotated.KeySecret)
	require.NotEmpty(t, rotated.Record.KeyHash)
	require.Equal(t, 60, rotated.Record.SkewSeconds)
	require.NoError(t, mock.ExpectationsWereMet())
}
