// Package retry re-runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	Attempts int
	// Backoff is the wait before the second attempt. It doubles afterwards.
	Backoff time.Duration
	// MaxBackoff caps the wait. Zero means uncapped.
	MaxBackoff time.Duration
}

// Do calls fn until it succeeds, retryable reports false, the attempts run
// out, or ctx is done while waiting. A nil retryable retries every error.
func Do(ctx context.Context, p Policy, fn func() error, retryable func(error) bool) error {
	attempts := max(p.Attempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.wait(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// wait returns Backoff * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) wait(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
