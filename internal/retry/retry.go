// Package retry implements exponential-backoff-with-jitter retries around a
// fallible operation. Hand-rolled per the spec's exact delay formula; no
// retry library in the retrieved example corpus is directly imported by any
// source file (cenkalti/backoff appears only as a transitive go.sum entry),
// so this follows the teacher's own hand-rolled timing style instead (see
// pkg/escalation/engine.go's tier-timeout arithmetic in the teacher repo).
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Options configure a retry wrapper.
type Options struct {
	MaxRetries  int           // total attempts = MaxRetries + 1
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(err error, attempt int) bool // nil means always retry
}

// Do runs f, retrying up to opts.MaxRetries additional times while
// opts.ShouldRetry allows it. Delay before attempt n is
// min(baseDelay*2^n + uniform(0,1000ms), maxDelay).
func Do(ctx context.Context, opts Options, f func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		lastErr = f(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == opts.MaxRetries {
			break
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr, attempt) {
			break
		}

		delay := backoffDelay(opts.BaseDelay, opts.MaxDelay, attempt+1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

func backoffDelay(base, max time.Duration, n int) time.Duration {
	exp := base * (1 << uint(n))
	jitter := time.Duration(rand.Int64N(int64(time.Second)))
	d := exp + jitter
	if d > max {
		return max
	}
	return d
}
