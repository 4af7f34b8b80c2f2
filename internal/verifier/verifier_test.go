package verifier

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/dhannusch/pincer/internal/cryptoutil"
	"github.com/dhannusch/pincer/internal/kv"
	"github.com/dhannusch/pincer/internal/runtimekey"
	"github.com/dhannusch/pincer/internal/vault"
)

const (
	testKeyID     = "rk_test123"
	testKeySecret = "supersecretkeyvalue"
	testHMACKey   = "supersecrethmacvalue"
)

func newTestVerifier(t *testing.T) (*Verifier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := kv.New(db)
	v := vault.New(store, "test-kek")
	keys := runtimekey.New(store, v)
	return New(keys, v, "PINCER_HMAC_SECRET_ACTIVE", "PINCER_RUNTIME_KEY_SECRET_ACTIVE"), mock
}

func expectRuntimeKeyLoad(mock sqlmock.Sqlmock) {
	rec := fmt.Sprintf(`{"id":%q,"keyHash":%q,"hmacSecretBinding":"PINCER_HMAC_SECRET_ACTIVE","keySecretBinding":"PINCER_RUNTIME_KEY_SECRET_ACTIVE","skewSeconds":60}`,
		testKeyID, cryptoutil.SHA256Hex([]byte(testKeySecret)))
	rows := sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte(rec), nil)
	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("runtime:active").
		WillReturnRows(rows)
}

func expectHMACSecretResolve(mock sqlmock.Sqlmock) {
	envelope, _, _ := encryptedRecordFor(testHMACKey)
	rows := sqlmock.NewRows([]string{"value", "expires_at"}).AddRow(envelope, nil)
	mock.ExpectQuery("SELECT value, expires_at FROM pincer_kv").
		WithArgs("vault:secret:PINCER_HMAC_SECRET_ACTIVE").
		WillReturnRows(rows)
}

// encryptedRecordFor builds a vault envelope the same way vault.Put would,
// using the same fixed test KEK so Resolve can decrypt it.
func encryptedRecordFor(plaintext string) ([]byte, []byte, []byte) {
	key := cryptoutil.DeriveKey("test-kek")
	nonce, ciphertext, err := cryptoutil.Encrypt(key, []byte(plaintext))
	if err != nil {
		panic(err)
	}
	payload := []byte(fmt.Sprintf(`{"keyId":"v1","nonce":%q,"ciphertext":%q,"updatedAt":"2026-01-01T00:00:00Z","updatedBy":"test"}`,
		base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(ciphertext)))
	return payload, nonce, ciphertext
}

func validRequest(t *testing.T) Request {
	t.Helper()
	ts := time.Now().Unix()
	body := []byte(`{"hello":"world"}`)
	bodyHash := cryptoutil.SHA256Hex(body)
	canonical := cryptoutil.CanonicalSigningString("POST", "/v1/adapters/github/actions/list_repos", ts, bodyHash)
	sig := cryptoutil.HMACSHA256Hex([]byte(testHMACKey), canonical)

	return Request{
		Method:          "POST",
		Path:            "/v1/adapters/github/actions/list_repos",
		Body:            body,
		Authorization:   fmt.Sprintf("Bearer %s.%s", testKeyID, testKeySecret),
		TimestampHeader: strconv.FormatInt(ts, 10),
		BodySHA256Hex:   bodyHash,
		Signature:       "v1=" + sig,
	}
}

func TestVerifySucceeds(t *testing.T) {
	v, mock := newTestVerifier(t)
	expectRuntimeKeyLoad(mock)
	expectHMACSecretResolve(mock)

	keyID, err := v.Verify(context.Background(), validRequest(t))
	require.NoError(t, err)
	require.Equal(t, testKeyID, keyID)
}

func TestVerifyRejectsMalformedAuthorization(t *testing.T) {
	v, _ := newTestVerifier(t)
	req := validRequest(t)
	req.Authorization = "Bearer not-a-valid-pair"

	_, err := v.Verify(context.Background(), req)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonInvalidRuntimeKeyFormat, verr.Reason)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v, mock := newTestVerifier(t)
	expectRuntimeKeyLoad(mock)
	expectHMACSecretResolve(mock)

	req := validRequest(t)
	req.TimestampHeader = strconv.FormatInt(time.Now().Add(-2*time.Minute).Unix(), 10)
	// Re-sign isn't needed: signature check happens after timestamp check,
	// so a stale timestamp is rejected before the signature is examined.

	_, err := v.Verify(context.Background(), req)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonStaleTimestamp, verr.Reason)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v, mock := newTestVerifier(t)
	expectRuntimeKeyLoad(mock)
	expectHMACSecretResolve(mock)

	req := validRequest(t)
	req.Signature = "v1=deadbeef"

	_, err := v.Verify(context.Background(), req)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonInvalidSignature, verr.Reason)
}
