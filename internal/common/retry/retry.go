// Package retry provides the small exponential-backoff-with-jitter helper used
// wherever the orchestrator retries a transient tracker/runner RPC (§5, §7).
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is the 3-attempt, exponential-backoff-with-jitter policy called
// for in §5 ("up to 3 attempts, exponential backoff with jitter").
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do calls fn up to MaxAttempts times, sleeping with exponential backoff and
// jitter between attempts. It stops early if ctx is done or shouldRetry(err)
// returns false for the most recent error. The last error is returned if all
// attempts are exhausted.
func Do(ctx context.Context, p Policy, shouldRetry func(err error) bool, fn func(ctx context.Context) error) error {
	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		if jittered > p.MaxDelay {
			jittered = p.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}
