package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/zakinabdul/appointflow/transport"
)

// RateLimit returns middleware that waits for a token from l before each
// send. A nil limiter disables limiting.
func RateLimit(l *rate.Limiter) Middleware {
	return func(ctx context.Context, _ *Delivery, next Handler) error {
		if l == nil {
			return next(ctx)
		}
		if err := l.Wait(ctx); err != nil {
			return transport.Transient(fmt.Errorf("rate limit wait: %w", err))
		}
		return next(ctx)
	}
}
