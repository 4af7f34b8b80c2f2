// Package kv implements the single persisted key-value namespace: every
// durable record the boundary owns — runtime key, adapter manifests,
// proposals, audit events, pairing codes, the admin user, admin
// sessions, login lockout state, and vault secrets — lives as one row
// in this store, addressed by a fixed key layout.
//
// The store only guarantees linearizability at the per-key level: there
// is no cross-key transaction here, which is why the registry is
// careful about write ordering instead of relying on the store for
// atomicity.
//
// Store talks to Postgres through database/sql (via the jackc/pgx/v5
// stdlib driver registered in internal/platform) rather than pgxpool
// directly, so its query layer can be exercised in tests against
// github.com/DATA-DOG/go-sqlmock without a live database.
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has
// already expired.
var ErrNotFound = errors.New("kv: key not found")

// Entry is a single key-value record along with its expiry, if any.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// DB is the subset of *sql.DB that Store needs; satisfied by *sql.DB and
// by sqlmock's driver connection in tests.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the single KV namespace, backed by a Postgres table.
type Store struct {
	db DB
}

// New wraps an existing connection. Run migrations separately before first use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Put writes key=value, optionally with a TTL. A zero ttl means no
// expiry. Overwrites any existing value for key.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pincer_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("kv: putting %q: %w", key, err)
	}
	return nil
}

// Get reads the value for key. ErrNotFound is returned both when the key
// was never written and when it has expired — callers cannot
// distinguish the two.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt *time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM pincer_kv WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: getting %q: %w", key, err)
	}
	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return value, nil
}

// Delete removes key. It is not an error if key does not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pincer_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv: deleting %q: %w", key, err)
	}
	return nil
}

// DeleteIfPresent deletes key and reports whether a row was actually
// removed. Used by the pairing store to detect an at-most-once
// consumption race: the caller that observes rowsAffected==1 is the one
// true winner when two consumers race the same code.
func (s *Store) DeleteIfPresent(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pincer_kv WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("kv: deleting %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv: checking rows affected for %q: %w", key, err)
	}
	return n > 0, nil
}

// ListByPrefix returns every non-expired entry whose key starts with
// prefix, ordered lexicographically by key. Audit events rely on this
// ordering to recover time order from their key encoding.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, expires_at, updated_at
		FROM pincer_kv
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key ASC
	`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("kv: listing prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.ExpiresAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("kv: scanning prefix %q: %w", prefix, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: iterating prefix %q: %w", prefix, err)
	}
	return out, nil
}

// DeleteExpired removes every row whose expiry has passed, returning the
// number of rows reaped. Invoked periodically by the platform reaper; see
// SPEC_FULL.md's "KV expiry reaper" supplement.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pincer_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("kv: reaping expired rows: %w", err)
	}
	return res.RowsAffected()
}
