// Package retry implements the bounded-backoff policy used against the
// kill-switch store and the policy evaluator: transient errors are retried
// once, everything else surfaces immediately.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config controls retry behaviour for one call site.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or negative means a single attempt.
	MaxAttempts int
	// Delay is the wait before the second attempt; doubled per attempt up
	// to MaxDelay.
	Delay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// Retryable classifies errors. Nil retries every non-nil error.
	Retryable func(err error) bool
}

// Once is the request-path default: one retry with a short backoff, so a
// failing dependency costs at most one extra round trip.
var Once = Config{MaxAttempts: 2, Delay: 100 * time.Millisecond, MaxDelay: time.Second}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// The last error is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = Once.Delay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = Once.MaxDelay
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	delay := cfg.Delay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return lastErr
}
