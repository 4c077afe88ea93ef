package reporter

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxAttempts bounds a reporter's retry loop (spec §4.7 "retry with
// exponential backoff, bounded, default 3").
const DefaultMaxAttempts = 3

// withRetry runs fn up to maxAttempts times with exponential backoff
// (1s, 2s, 4s, matching spec §7's transient-upstream policy), returning
// the last error if every attempt fails. A nil error from fn short-circuits
// immediately.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if attempt == maxAttempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return nil
	}
	return fmt.Errorf("reporter: exhausted %d attempts: %w", maxAttempts, lastErr)
}
