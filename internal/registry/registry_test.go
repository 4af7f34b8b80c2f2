package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/dhannusch/pincer/internal/kv"
	"github.com/dhannusch/pincer/internal/manifest"
	"github.com/dhannusch/pincer/internal/vault"
)

const minimalManifestJSON = `{
  "id": "minimal", "revision": 1, "baseUrl": "https://api.example.com",
  "allowedHosts": ["api.example.com"], "requiredSecrets": ["MINIMAL_KEY"],
  "actions": {
    "do_thing": {
      "method": "GET", "path": "/thing", "requestMode": "query",
      "auth": {"placement": "query", "name": "key", "secretBinding": "MINIMAL_KEY"},
      "limits": {"maxBodyKb": 8, "timeoutMs": 5000, "ratePerMinute": 60}
    }
  }
}`

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := kv.New(db)
	v := vault.New(store, "test-kek")
	return New(store, v, 10*time.Second), mock
}

func expectGetMiss(mock sqlmock.Sqlmock, key string) {
	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs(key).
		WillReturnError(sql.ErrNoRows)
}

func expectPut(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO pincer_kv").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSubmitCreatesProposalIndexEntryAndAuditEvent(t *testing.T) {
	r, mock := newTestRegistry(t)
	ctx := context.Background()

	expectPut(mock)                        // proposal record
	expectGetMiss(mock, indexKey)           // load index (miss -> empty)
	expectPut(mock)                        // write index
	expectPut(mock)                        // audit event

	summary, err := r.Submit(ctx, []byte(minimalManifestJSON), "rk_test")
	require.NoError(t, err)
	require.Equal(t, "minimal", summary.AdapterID)
	require.Equal(t, 1, summary.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitRejectsInvalidManifest(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Submit(context.Background(), []byte(`{"id":"bad id"}`), "rk_test")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, KindInvalidManifest, rerr.Kind)
}

func TestApplyNewInstallResolvesSecretsAndActivates(t *testing.T) {
	t.Setenv("MINIMAL_KEY", "secret-value")
	r, mock := newTestRegistry(t)
	ctx := context.Background()

	expectGetMiss(mock, indexKey)                              // load index (miss -> empty, no active entry)
	expectGetMiss(mock, "vault:secret:MINIMAL_KEY")             // vault miss -> falls back to env
	expectGetMiss(mock, "adapter_registry:manifest:minimal:1") // writeSnapshotOnce: no existing snapshot
	expectPut(mock)                                            // snapshot write
	expectPut(mock)                                            // index write

	result, err := r.Apply(ctx, ApplyRequest{ManifestRaw: []byte(minimalManifestJSON), Actor: "admin"})
	require.NoError(t, err)
	require.Equal(t, KindNewInstall, result.Kind)
	require.Equal(t, "minimal", result.AdapterID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyFailsWhenRequiredSecretMissing(t *testing.T) {
	r, mock := newTestRegistry(t)
	ctx := context.Background()

	expectGetMiss(mock, indexKey)
	expectGetMiss(mock, "vault:secret:MINIMAL_KEY")

	_, err := r.Apply(ctx, ApplyRequest{ManifestRaw: []byte(minimalManifestJSON), Actor: "admin"})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, KindMissingRequiredSecrets, rerr.Kind)
	require.Contains(t, rerr.Details, "MINIMAL_KEY")
}

func TestManifestsEqualDetectsIdenticalAndDivergentContent(t *testing.T) {
	same, err := manifestsEqual(mustValidManifest(t, minimalManifestJSON), mustValidManifest(t, minimalManifestJSON))
	require.NoError(t, err)
	require.True(t, same)

	conflicting := `{
		"id": "minimal", "revision": 1, "baseUrl": "https://api.example.com",
		"allowedHosts": ["api.example.com"], "requiredSecrets": ["MINIMAL_KEY"],
		"actions": {
			"do_thing": {
				"method": "POST", "path": "/thing", "requestMode": "query",
				"auth": {"placement": "query", "name": "key", "secretBinding": "MINIMAL_KEY"},
				"limits": {"maxBodyKb": 8, "timeoutMs": 5000, "ratePerMinute": 60}
			}
		}
	}`
	differ, err := manifestsEqual(mustValidManifest(t, minimalManifestJSON), mustValidManifest(t, conflicting))
	require.NoError(t, err)
	require.False(t, differ)
}

func TestApplyRejectsWhenNeitherOrBothIdentifiersPresent(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Apply(context.Background(), ApplyRequest{})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, KindInvalidApplyRequest, rerr.Kind)
}

func TestRejectRemovesProposalAndWritesAuditEvent(t *testing.T) {
	r, mock := newTestRegistry(t)
	ctx := context.Background()

	proposalRaw := `{"proposalId":"pr_abc","adapterId":"minimal","revision":1,
		"submittedAt":"2026-01-01T00:00:00Z","submittedBy":"rk_test","manifest":` + minimalManifestJSON + `}`
	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs(proposalKey("pr_abc")).
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte(proposalRaw), nil))
	expectGetMiss(mock, indexKey)
	expectPut(mock) // write index
	mock.ExpectExec("DELETE FROM pincer_kv").
		WithArgs(proposalKey("pr_abc")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectPut(mock) // audit event

	result, err := r.Reject(ctx, "pr_abc", "malicious scope expansion", "admin")
	require.NoError(t, err)
	require.Equal(t, "rejected", result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectRejectsReasonOverMaxLength(t *testing.T) {
	r, mock := newTestRegistry(t)
	proposalRaw := `{"proposalId":"pr_abc","adapterId":"minimal","revision":1,
		"submittedAt":"2026-01-01T00:00:00Z","submittedBy":"rk_test","manifest":` + minimalManifestJSON + `}`
	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs(proposalKey("pr_abc")).
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte(proposalRaw), nil))

	reason := make([]byte, maxReasonLen+1)
	for i := range reason {
		reason[i] = 'a'
	}
	_, err := r.Reject(context.Background(), "pr_abc", string(reason), "admin")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, KindInvalidReason, rerr.Kind)
	require.Equal(t, 400, rerr.Status)
}

func TestListAuditEventsSortsDescendingAndRespectsLimit(t *testing.T) {
	r, mock := newTestRegistry(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"key", "value", "expires_at", "updated_at"})
	older := `{"eventId":"ae_1","eventType":"proposal_submitted","occurredAt":"2026-01-01T00:00:00Z","adapterId":"a","revision":1}`
	newer := `{"eventId":"ae_2","eventType":"proposal_approved","occurredAt":"2026-01-02T00:00:00Z","adapterId":"a","revision":1}`
	rows.AddRow(auditKey(mustParseTime(t, "2026-01-01T00:00:00Z"), "ae_1"), []byte(older), nil, time.Now())
	rows.AddRow(auditKey(mustParseTime(t, "2026-01-02T00:00:00Z"), "ae_2"), []byte(newer), nil, time.Now())
	mock.ExpectQuery("SELECT key, value, expires_at, updated_at FROM pincer_kv").
		WithArgs(auditPrefix + "%").
		WillReturnRows(rows)

	events, err := r.ListAuditEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "ae_2", events[0].EventID)
	require.Equal(t, "ae_1", events[1].EventID)

	limitedRows := sqlmock.NewRows([]string{"key", "value", "expires_at", "updated_at"})
	limitedRows.AddRow(auditKey(mustParseTime(t, "2026-01-01T00:00:00Z"), "ae_1"), []byte(older), nil, time.Now())
	limitedRows.AddRow(auditKey(mustParseTime(t, "2026-01-02T00:00:00Z"), "ae_2"), []byte(newer), nil, time.Now())
	mock.ExpectQuery("SELECT key, value, expires_at, updated_at FROM pincer_kv").
		WithArgs(auditPrefix + "%").
		WillReturnRows(limitedRows)

	limited, err := r.ListAuditEvents(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "ae_2", limited[0].EventID)
}

func mustValidManifest(t *testing.T, raw string) *manifest.Manifest {
	t.Helper()
	result := manifest.Validate([]byte(raw))
	require.True(t, result.OK, "errors: %v", result.Errors)
	return result.Manifest
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}
