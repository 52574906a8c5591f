package backoff

import (
	"context"
	"time"
)

// Policy bounds the attempts made for one batch step.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Strategy computes the delay before each retry.
	Strategy Strategy
	// Retryable reports whether err warrants another attempt. A nil
	// Retryable treats every error as retryable.
	Retryable func(err error) bool
}

// ShouldRetry reports whether another attempt follows a failed attempt
// number attempt (1-indexed) that returned err.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return false
	}
	return true
}

// Wait sleeps for the delay before retry n, or until ctx is done.
func (p Policy) Wait(ctx context.Context, retry int) error {
	var d time.Duration
	if p.Strategy != nil {
		d = p.Strategy.Delay(retry)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
