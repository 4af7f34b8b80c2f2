// Package ratelimit implements the egress proxy's per-action rate limit:
// an isolate-local, best-effort minute-bucket counter backed by Redis
// INCR + EXPIRE, grounded on the teacher's internal/auth login rate
// limiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces a per-(keyId, adapter, action) requests-per-minute cap.
type Limiter struct {
	redis *redis.Client
}

// New constructs a Limiter over an existing Redis client.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{redis: rdb}
}

func bucketKey(keyID, adapter, action string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", keyID, adapter, action, bucket)
}

// Allow increments the current minute bucket for (keyID, adapter, action)
// and reports whether the running count is within limit. The counter's
// key carries a 2-minute expiry so a quiet bucket is reaped
// automatically.
func (l *Limiter) Allow(ctx context.Context, keyID, adapter, action string, limit int, now time.Time) (bool, error) {
	bucket := now.UnixMilli() / 60000
	key := bucketKey(keyID, adapter, action, bucket)

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: incrementing %q: %w", key, err)
	}

	return incr.Val() <= int64(limit), nil
}
