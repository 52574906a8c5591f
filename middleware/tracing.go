package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zakinabdul/appointflow/transport"
)

const tracerName = "github.com/zakinabdul/appointflow"

// Tracing returns middleware that wraps each delivery in an OpenTelemetry
// span using the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
//
// Span attributes: appointflow.job.id, appointflow.job.kind,
// appointflow.step, appointflow.attempt, appointflow.recipient.id.
// Failed deliveries also carry appointflow.error.class.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, d *Delivery, next Handler) error {
		ctx, span := tracer.Start(ctx, "appointflow.delivery",
			trace.WithAttributes(
				attribute.String("appointflow.job.id", d.JobID.String()),
				attribute.String("appointflow.job.kind", string(d.Kind)),
				attribute.String("appointflow.step", d.StepName),
				attribute.Int("appointflow.attempt", d.Attempt),
				attribute.String("appointflow.recipient.id", d.Recipient.ID),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.SetAttributes(attribute.String("appointflow.error.class", transport.ClassOf(err).String()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("appointflow.message_id", d.MessageID))
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
