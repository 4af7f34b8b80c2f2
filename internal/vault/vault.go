// Package vault implements the secret vault (component B): an
// AES-256-GCM envelope store over the KV namespace, with an environment
// variable fallback so a binding can be satisfied without ever touching
// the vault at all.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/dhannusch/pincer/internal/cryptoutil"
	"github.com/dhannusch/pincer/internal/kv"
)

var bindingPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,128}$`)

// ErrInvalidBinding is returned when a binding name fails the
// ^[A-Za-z0-9_]{1,128}$ pattern required of a vault secret record.
// Manifests additionally restrict requiredSecrets to the narrower
// uppercase convention; that check lives in internal/manifest.
var ErrInvalidBinding = errors.New("vault: invalid binding name")

// ErrEmptyPlaintext is returned by Put when plaintext is empty.
var ErrEmptyPlaintext = errors.New("vault: plaintext must not be empty")

// record is the envelope persisted at vault:secret:<binding>.
type record struct {
	KeyID      string    `json:"keyId"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	UpdatedAt  time.Time `json:"updatedAt"`
	UpdatedBy  string    `json:"updatedBy"`
}

// envelopeKeyVersion tags the AES-256-GCM scheme in use, so a future key
// rotation scheme change can recognize and migrate older records.
const envelopeKeyVersion = "v1"

// Metadata is the non-sensitive shape returned by ListMetadata.
type Metadata struct {
	Binding   string     `json:"binding"`
	Present   bool       `json:"present"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ExternalResolver is an optional third resolution tier behind the vault
// and env-fallback: a remote secret manager consulted only when both of
// the first two come up empty. The only implementation wired in this
// repo is HashiCorp Vault (see NewHashiCorpResolver), grounded on
// hashicorp-vault-secrets-operator's Logical().Read usage; Vault itself
// only depends on this interface, not on that implementation.
type ExternalResolver interface {
	Resolve(ctx context.Context, binding string) (string, error)
}

// Vault is the secret vault. Key is derived once from kek (SHA-256(kek))
// and reused for every Put/Get — the derived key is safe to cache for
// the life of the process.
type Vault struct {
	store    *kv.Store
	key      []byte
	external ExternalResolver
}

// New derives the AES key from kek and returns a Vault bound to store.
func New(store *kv.Store, kek string) *Vault {
	return &Vault{store: store, key: cryptoutil.DeriveKey(kek)}
}

// WithExternalResolver attaches the optional third-tier resolver and
// returns v for chaining. A nil resolver disables the third tier (the
// default).
func (v *Vault) WithExternalResolver(r ExternalResolver) *Vault {
	v.external = r
	return v
}

func bindingKey(binding string) string {
	return "vault:secret:" + binding
}

// Put validates binding, rejects empty plaintext, and stores an
// AES-256-GCM envelope with a fresh random nonce.
func (v *Vault) Put(ctx context.Context, binding, plaintext, updatedBy string) error {
	if !bindingPattern.MatchString(binding) {
		return ErrInvalidBinding
	}
	if plaintext == "" {
		return ErrEmptyPlaintext
	}

	nonce, ciphertext, err := cryptoutil.Encrypt(v.key, []byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypting secret: %w", err)
	}

	rec := record{
		KeyID:      envelopeKeyVersion,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		UpdatedAt:  time.Now(),
		UpdatedBy:  updatedBy,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling vault record: %w", err)
	}

	return v.store.Put(ctx, bindingKey(binding), payload, 0)
}

// Get fetches and decrypts binding. A decrypt failure or a missing record
// both return "" with no error — callers treat empty as absent.
func (v *Vault) Get(ctx context.Context, binding string) (string, error) {
	raw, err := v.store.Get(ctx, bindingKey(binding))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetching vault record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", nil
	}

	plaintext, err := cryptoutil.Decrypt(v.key, rec.Nonce, rec.Ciphertext)
	if err != nil {
		return "", nil
	}
	return string(plaintext), nil
}

// Resolve returns the vault plaintext if non-empty, else the same-named
// environment variable, else (when an external resolver is attached) the
// value from that remote secret manager, else "". The external tier is a
// supplemental deployment option (see SPEC_FULL.md) layered behind the
// first two without changing their precedence.
func (v *Vault) Resolve(ctx context.Context, binding string) (string, error) {
	secret, err := v.Get(ctx, binding)
	if err != nil {
		return "", err
	}
	if secret != "" {
		return secret, nil
	}
	if envVal := os.Getenv(binding); envVal != "" {
		return envVal, nil
	}
	if v.external != nil {
		return v.external.Resolve(ctx, binding)
	}
	return "", nil
}

// Delete removes the vault record for binding. Missing records are not an error.
func (v *Vault) Delete(ctx context.Context, binding string) error {
	err := v.store.Delete(ctx, bindingKey(binding))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}

// ListMetadata reports presence (vault or env-fallback) for the union of
// hints and the set of bindings actually stored in the vault. Plaintext
// values are never included.
func (v *Vault) ListMetadata(ctx context.Context, hints []string) ([]Metadata, error) {
	entries, err := v.store.ListByPrefix(ctx, "vault:secret:")
	if err != nil {
		return nil, fmt.Errorf("listing vault records: %w", err)
	}

	seen := make(map[string]*time.Time, len(entries))
	for _, e := range entries {
		binding := e.Key[len("vault:secret:"):]
		updated := e.UpdatedAt
		seen[binding] = &updated
	}

	names := make(map[string]struct{}, len(hints)+len(seen))
	for _, h := range hints {
		names[h] = struct{}{}
	}
	for b := range seen {
		names[b] = struct{}{}
	}

	out := make([]Metadata, 0, len(names))
	for binding := range names {
		updatedAt, inVault := seen[binding]
		present := inVault
		if !present {
			present = os.Getenv(binding) != ""
		}
		out = append(out, Metadata{Binding: binding, Present: present, UpdatedAt: updatedAt})
	}
	return out, nil
}
