// Package verifier implements the signed-request verifier (component A):
// the bearer-key + HMAC-signature + body-hash + timestamp-skew pipeline
// every /v1/adapter/* and /v1/adapters* call (except /v1/connect) passes
// through before it reaches the registry or the egress proxy.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dhannusch/pincer/internal/cryptoutil"
	"github.com/dhannusch/pincer/internal/runtimekey"
	"github.com/dhannusch/pincer/internal/vault"
)

// Reason is one of the stable auth error strings the router maps to an
// HTTP status.
type Reason string

const (
	ReasonInvalidRuntimeKeyFormat Reason = "invalid_runtime_key_format"
	ReasonMissingRuntimeConfig    Reason = "missing_runtime_config"
	ReasonUnknownRuntimeKey       Reason = "unknown_runtime_key"
	ReasonInvalidRuntimeKey       Reason = "invalid_runtime_key"
	ReasonMissingHMACSecret       Reason = "missing_hmac_secret"
	ReasonInvalidTimestamp        Reason = "invalid_timestamp"
	ReasonStaleTimestamp          Reason = "stale_timestamp"
	ReasonInvalidBodyHash         Reason = "invalid_body_hash"
	ReasonInvalidSignature        Reason = "invalid_signature"
)

// Error wraps a verification failure with its stable reason and HTTP
// status — all of them 401 except missing runtime config / missing hmac
// secret, which are 500 (infrastructure, not the caller's fault).
type Error struct {
	Reason Reason
	Status int
}

func (e *Error) Error() string { return string(e.Reason) }

func fail(reason Reason, status int) error {
	return &Error{Reason: reason, Status: status}
}

// Request is the subset of an inbound HTTP request the verifier needs.
type Request struct {
	Method          string
	Path            string // normalized: no query, no fragment
	Body            []byte
	Authorization   string
	TimestampHeader string
	BodySHA256Hex   string
	Signature       string
}

// Verifier ties together the runtime key record and the vault secret it
// references to authenticate signed runtime requests.
type Verifier struct {
	keys  *runtimekey.Store
	vault *vault.Vault

	defaultHMACBinding string
	defaultKeyBinding  string
}

// New constructs a Verifier. defaultHMACBinding/defaultKeyBinding are used
// when a Runtime Key Record predates the dual-binding shape.
func New(keys *runtimekey.Store, v *vault.Vault, defaultHMACBinding, defaultKeyBinding string) *Verifier {
	return &Verifier{keys: keys, vault: v, defaultHMACBinding: defaultHMACBinding, defaultKeyBinding: defaultKeyBinding}
}

// Verify checks the bearer key, timestamp freshness, body hash, and
// HMAC signature in turn, returning the authenticated keyId on success.
func (v *Verifier) Verify(ctx context.Context, req Request) (string, error) {
	keyID, keySecret, ok := parseBearer(req.Authorization)
	if !ok {
		return "", fail(ReasonInvalidRuntimeKeyFormat, 401)
	}

	rec, err := v.keys.Load(ctx)
	if errors.Is(err, runtimekey.ErrNotConfigured) {
		return "", fail(ReasonMissingRuntimeConfig, 500)
	}
	if err != nil {
		return "", fmt.Errorf("loading runtime key: %w", err)
	}

	if !cryptoutil.ConstantTimeEqual(keyID, rec.ID) {
		return "", fail(ReasonUnknownRuntimeKey, 401)
	}
	if !cryptoutil.ConstantTimeEqual(cryptoutil.SHA256Hex([]byte(keySecret)), rec.KeyHash) {
		return "", fail(ReasonInvalidRuntimeKey, 401)
	}

	hmacBinding, _ := rec.EffectiveBindings(v.defaultHMACBinding, v.defaultKeyBinding)
	hmacSecret, err := v.vault.Resolve(ctx, hmacBinding)
	if err != nil {
		return "", fmt.Errorf("resolving hmac secret: %w", err)
	}
	if hmacSecret == "" {
		return "", fail(ReasonMissingHMACSecret, 500)
	}

	ts, err := strconv.ParseInt(req.TimestampHeader, 10, 64)
	if err != nil {
		return "", fail(ReasonInvalidTimestamp, 401)
	}
	skew := int64(rec.SkewSeconds)
	if skew <= 0 {
		skew = 60
	}
	now := time.Now().Unix()
	delta := now - ts
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return "", fail(ReasonStaleTimestamp, 401)
	}

	bodyHash := cryptoutil.SHA256Hex(req.Body)
	if !cryptoutil.ConstantTimeEqual(bodyHash, strings.ToLower(req.BodySHA256Hex)) {
		return "", fail(ReasonInvalidBodyHash, 401)
	}

	canonical := cryptoutil.CanonicalSigningString(strings.ToUpper(req.Method), req.Path, ts, bodyHash)
	expectedSig := cryptoutil.HMACSHA256Hex([]byte(hmacSecret), canonical)
	presentedSig := strings.TrimPrefix(req.Signature, "v1=")
	if !cryptoutil.ConstantTimeEqual(expectedSig, strings.ToLower(presentedSig)) {
		return "", fail(ReasonInvalidSignature, 401)
	}

	return keyID, nil
}

// parseBearer splits "Bearer <keyId>.<keySecret>" into its two halves.
func parseBearer(header string) (keyID, keySecret string, ok bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(header, prefix)
	idx := strings.IndexByte(rest, '.')
	if idx < 0 {
		return "", "", false
	}
	keyID, keySecret = rest[:idx], rest[idx+1:]
	if keyID == "" || keySecret == "" {
		return "", "", false
	}
	return keyID, keySecret, true
}
