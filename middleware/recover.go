package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/zakinabdul/appointflow/transport"
)

// Recover returns middleware that recovers from panics in the handler chain.
// A panic is a permanent failure for that recipient only.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *Delivery, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("delivery panicked",
					slog.String("job_id", d.JobID.String()),
					slog.String("recipient_id", d.Recipient.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = transport.Permanent(fmt.Errorf("panic delivering to %s: %v", d.Recipient.ID, r))
			}
		}()
		return next(ctx)
	}
}
