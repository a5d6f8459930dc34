package idempotency

import (
	"context"
	"time"
)

const cleanupRunTimeout = time.Minute

// RunCleanup purges expired records every interval until ctx is cancelled.
// A non-positive interval returns immediately.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batchSize int, logger Logger) {
	if store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			CleanupOnce(ctx, store, tick, batchSize, logger)
		}
	}
}

// CleanupOnce runs a single purge pass and reports how many records were removed.
func CleanupOnce(ctx context.Context, store Store, now time.Time, batchSize int, logger Logger) int {
	runCtx, cancel := context.WithTimeout(ctx, cleanupRunTimeout)
	defer cancel()

	removed, err := store.CleanupExpired(runCtx, now.UTC(), batchSize)
	if err != nil {
		logEvent(ctx, logger, "idempotency.cleanup_failed", map[string]any{"error": err.Error()})
		return 0
	}
	if removed > 0 {
		logEvent(ctx, logger, "idempotency.cleanup", map[string]any{"removed": removed})
	}
	return removed
}

func logEvent(ctx context.Context, logger Logger, event string, fields map[string]any) {
	if logger != nil {
		logger(ctx, event, fields)
	}
}
