// Package runtimekey manages the Runtime Key Record: the single
// per-deployment identity that signed runtime requests authenticate
// against, stored at the fixed KV key runtime:active.
package runtimekey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dhannusch/pincer/internal/cryptoutil"
	"github.com/dhannusch/pincer/internal/kv"
	"github.com/dhannusch/pincer/internal/vault"
)

const activeKey = "runtime:active"

// ErrNotConfigured is returned by Load when no runtime key has been created yet.
var ErrNotConfigured = errors.New("runtimekey: no runtime key configured")

// Record is the Runtime Key Record. HMACSecretBinding/KeySecretBinding
// may be absent on records written before the dual-binding shape existed;
// callers should use EffectiveBindings rather than the fields directly.
type Record struct {
	ID                string    `json:"id"`
	KeyHash           string    `json:"keyHash"`
	HMACSecretBinding string    `json:"hmacSecretBinding,omitempty"`
	KeySecretBinding  string    `json:"keySecretBinding,omitempty"`
	SkewSeconds       int       `json:"skewSeconds"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// EffectiveBindings resolves the record's binding names, falling back to
// defaultHMAC/defaultKey when a field is absent — the newer dual-binding
// shape wins whenever a record carries both old and new binding names.
func (r *Record) EffectiveBindings(defaultHMAC, defaultKey string) (hmacBinding, keyBinding string) {
	hmacBinding = r.HMACSecretBinding
	if hmacBinding == "" {
		hmacBinding = defaultHMAC
	}
	keyBinding = r.KeySecretBinding
	if keyBinding == "" {
		keyBinding = defaultKey
	}
	return hmacBinding, keyBinding
}

// Store manages the Runtime Key Record and the secrets it references.
type Store struct {
	kv    *kv.Store
	vault *vault.Vault
}

// New constructs a Store.
func New(store *kv.Store, v *vault.Vault) *Store {
	return &Store{kv: store, vault: v}
}

// Load fetches the current Runtime Key Record. ErrNotConfigured if the
// deployment has not been set up yet.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	raw, err := s.kv.Get(ctx, activeKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("loading runtime key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding runtime key: %w", err)
	}
	return &rec, nil
}

// Rotated is returned by Rotate: the new runtime key secret (shown to the
// admin exactly once) alongside the record that was persisted.
type Rotated struct {
	Record    *Record
	KeySecret string
}

// Rotate mints a new runtime key id/secret and HMAC secret, writes both to
// the vault under the given binding names, and rewrites the Runtime Key
// Record. Used both for first-time setup and the admin "rotate" endpoint.
func (s *Store) Rotate(ctx context.Context, hmacBinding, keyBinding string, skewSeconds int, updatedBy string) (*Rotated, error) {
	keyID, err := cryptoutil.RandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generating runtime key id: %w", err)
	}
	keySecret, err := cryptoutil.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating runtime key secret: %w", err)
	}
	hmacSecret, err := cryptoutil.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating hmac secret: %w", err)
	}

	if err := s.vault.Put(ctx, keyBinding, keySecret, updatedBy); err != nil {
		return nil, fmt.Errorf("storing runtime key secret: %w", err)
	}
	if err := s.vault.Put(ctx, hmacBinding, hmacSecret, updatedBy); err != nil {
		return nil, fmt.Errorf("storing hmac secret: %w", err)
	}

	rec := &Record{
		ID:                keyID,
		KeyHash:           cryptoutil.SHA256Hex([]byte(keySecret)),
		HMACSecretBinding: hmacBinding,
		KeySecretBinding:  keyBinding,
		SkewSeconds:       skewSeconds,
		UpdatedAt:         time.Now(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding runtime key record: %w", err)
	}
	if err := s.kv.Put(ctx, activeKey, payload, 0); err != nil {
		return nil, fmt.Errorf("persisting runtime key record: %w", err)
	}

	return &Rotated{Record: rec, KeySecret: keySecret}, nil
}
