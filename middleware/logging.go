package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/zakinabdul/appointflow/transport"
)

// Logging returns middleware that logs each delivery outcome. Successful
// sends are logged at debug level; failures at warn with their class.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *Delivery, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("delivery failed",
				slog.String("job_id", d.JobID.String()),
				slog.String("step", d.StepName),
				slog.String("recipient_id", d.Recipient.ID),
				slog.String("class", transport.ClassOf(err).String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("delivery sent",
				slog.String("job_id", d.JobID.String()),
				slog.String("step", d.StepName),
				slog.String("recipient_id", d.Recipient.ID),
				slog.String("message_id", d.MessageID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
