package platform

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryReaper sweeps rows past their TTL from the KV store. Ticker-loop
// shape mirrors the teacher's roster.RunScheduleTopUpLoop: run once
// immediately, then on a fixed interval until ctx is cancelled.
type ExpiryReaper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// RunExpiryReaperLoop deletes expired KV rows every interval. Records past
// their expires_at (unconsumed pairing codes, sessions past their absolute
// expiry) are already invisible to Get but still occupy storage until
// reaped; see SPEC_FULL.md.
func RunExpiryReaperLoop(ctx context.Context, store ExpiryReaper, interval time.Duration, logger *slog.Logger) {
	sweep := func() {
		n, err := store.DeleteExpired(ctx)
		if err != nil {
			logger.Error("expiry reaper sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Debug("expiry reaper removed rows", "count", n)
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
