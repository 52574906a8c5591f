package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that bounds each delivery. A zero or negative
// duration disables the deadline. A send that exceeds it surfaces
// context.DeadlineExceeded, which classifies as transient.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *Delivery, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
