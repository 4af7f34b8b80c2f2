// Package pairing implements the one-time pairing code flow: an admin
// mints a short-lived code out-of-band, and the agent exchanges it
// exactly once for its worker URL and runtime credentials.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dhannusch/pincer/internal/kv"
)

// alphabet deliberately excludes the visually ambiguous characters 0, 1,
// I and O.
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// DefaultTTL is the default pairing code lifetime.
const DefaultTTL = 15 * time.Minute

// ErrInvalidOrExpired is returned by Consume when the code is unknown,
// already consumed, or expired.
var ErrInvalidOrExpired = errors.New("pairing: invalid or expired code")

// ErrCorruptRecord is returned by Consume when a pairing record exists
// but cannot be decoded — treated as an infrastructure fault, not a
// caller error.
var ErrCorruptRecord = errors.New("pairing: corrupt pairing record")

// Credentials is the payload exchanged for a pairing code.
type Credentials struct {
	WorkerURL  string `json:"workerUrl"`
	RuntimeKey string `json:"runtimeKey"`
	HMACSecret string `json:"hmacSecret"`
}

// Store is the Pairing Store (component E).
type Store struct {
	kv  *kv.Store
	ttl time.Duration
}

// New constructs a Store. A zero ttl falls back to DefaultTTL.
func New(store *kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: store, ttl: ttl}
}

func pairingKey(code string) string {
	return "pairing:" + code
}

// Created is returned by Create: the code to hand to the admin, plus how
// long it remains valid.
type Created struct {
	Code            string
	ExpiresInSeconds int
}

// Create generates a fresh code, grouped "XXXX-XXXX", and stores creds
// under it with the configured TTL.
func (s *Store) Create(ctx context.Context, creds Credentials) (*Created, error) {
	code, err := generateCode()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encoding pairing record: %w", err)
	}
	if err := s.kv.Put(ctx, pairingKey(code), payload, s.ttl); err != nil {
		return nil, fmt.Errorf("persisting pairing record: %w", err)
	}

	return &Created{Code: code, ExpiresInSeconds: int(s.ttl.Seconds())}, nil
}

// Consume looks up code (after uppercasing and trimming), deletes it,
// and returns the stored credentials. The delete-then-read-win race: the
// caller whose DeleteIfPresent reports true is the sole winner when two
// callers race the same code, giving at-most-once consumption.
func (s *Store) Consume(ctx context.Context, rawCode string) (*Credentials, error) {
	code := normalizeCode(rawCode)
	key := pairingKey(code)

	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("loading pairing record: %w", err)
	}

	won, err := s.kv.DeleteIfPresent(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("deleting pairing record: %w", err)
	}
	if !won {
		// Another caller already won the race between our Get and our Delete.
		return nil, ErrInvalidOrExpired
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, ErrCorruptRecord
	}
	return &creds, nil
}

func normalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func generateCode() (string, error) {
	const length = 8
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating pairing code: %w", err)
	}
	chars := make([]byte, length)
	for i, b := range buf {
		chars[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(chars[:4]) + "-" + string(chars[4:]), nil
}
