// Package retry provides the exponential backoff helper used by the work queue's
// retry policy (spec §5), wrapping github.com/sethvargo/go-retry the way the teacher
// wraps third-party resiliency libraries in a small adapter instead of reimplementing
// backoff math by hand.
package retry

import (
	"context"
	"time"

	"github.com/kvknd/substrated/internal/config"
	goretry "github.com/sethvargo/go-retry"
)

// Backoff returns the delay to apply before the given attempt number (1-indexed),
// capped at cfg.BackoffMax, using exponential backoff seeded from cfg.BackoffBase.
func Backoff(cfg config.RetryConfig, attempt int) time.Duration {
	b := goretry.NewExponential(cfg.BackoffBase)
	b = goretry.WithCappedDuration(cfg.BackoffMax, b)
	b = goretry.WithMaxRetries(uint64(cfg.RetryCap), b)

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		d, stop := b.Next()
		if stop {
			return cfg.BackoffMax
		}
		delay = d
	}
	return delay
}

// Do runs fn with go-retry's exponential-backoff retry loop, stopping early on a
// non-retryable error (fn returns goretry.RetryableError(err) to request another
// attempt; any other error is terminal).
func Do(ctx context.Context, cfg config.RetryConfig, fn func(ctx context.Context) error) error {
	b := goretry.NewExponential(cfg.BackoffBase)
	b = goretry.WithCappedDuration(cfg.BackoffMax, b)
	b = goretry.WithMaxRetries(uint64(cfg.RetryCap), b)
	return goretry.Do(ctx, b, fn)
}
