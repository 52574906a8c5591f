package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zakinabdul/appointflow/transport"
)

const meterName = "github.com/zakinabdul/appointflow"

// Metrics returns middleware that records per-delivery metrics using the
// global OTel MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
//
// Instruments:
//   - appointflow.delivery.duration (Float64Histogram): seconds, by kind and outcome
//   - appointflow.delivery.count (Int64Counter): deliveries, by kind and outcome
//
// Outcome is "sent", "permanent", "transient" or "systemic".
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, dErr := meter.Float64Histogram(
		"appointflow.delivery.duration",
		metric.WithDescription("Duration of a render and send in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	count, cErr := meter.Int64Counter(
		"appointflow.delivery.count",
		metric.WithDescription("Total number of delivery attempts"),
		metric.WithUnit("{delivery}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, d *Delivery, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		outcome := "sent"
		if err != nil {
			outcome = transport.ClassOf(err).String()
		}

		attrs := metric.WithAttributes(
			attribute.String("kind", string(d.Kind)),
			attribute.String("outcome", outcome),
		)
		duration.Record(ctx, elapsed, attrs)
		count.Add(ctx, 1, attrs)

		return err
	}
}
