package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a Redis client from the given URL. Redis here
// backs one best-effort concern: the egress proxy's per-action rate-limit
// counters — never the durable KV namespace in internal/kv.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	pingErr := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx))
	if pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", pingErr)
	}

	return client, nil
}
