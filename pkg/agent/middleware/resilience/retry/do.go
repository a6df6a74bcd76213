package retry

import (
	"context"
	"fmt"
	"time"
)

// Do runs op until it succeeds, fails terminally, or MaxAttempts is reached.
// It returns the number of attempts made and, on failure, the last error unchanged.
// A cancelled ctx ends the loop during a backoff sleep with the cancellation error wrapped.
func Do(ctx context.Context, policy *Policy, op func(ctx context.Context) error) (int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.CalculateDelay(attempt)
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					return attempts, fmt.Errorf("retry cancelled after %d attempts: %w", attempts, ctx.Err())
				case <-time.After(delay):
				}
			}
		}

		attempts = attempt
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		// The caller's own deadline or cancellation is never worth another attempt.
		if ctx.Err() != nil || !policy.ShouldRetry(err) {
			break
		}
	}

	return attempts, lastErr
}
