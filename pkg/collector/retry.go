package collector

import (
	"context"
	"time"
)

const (
	// Attempts per chunk before the site's remaining range is abandoned for
	// the pass. Abandoned ranges are requested again on the next cycle,
	// because the watermark never advances past rows that were not stored.
	fetchAttempts = 3

	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// withRetry runs fn up to fetchAttempts times, doubling the delay between
// attempts starting from baseDelay. Returns nil on the first success, the
// last error otherwise, or the context error if cancelled mid-wait.
func withRetry(ctx context.Context, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			retryDelay := time.Duration(1<<(attempt-1)) * baseDelay
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
			if !sleepCtx(ctx, retryDelay) {
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

// sleepCtx waits for d unless ctx is cancelled first. Reports whether the
// full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
