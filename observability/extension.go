package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zakinabdul/appointflow/ext"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

const meterName = "github.com/zakinabdul/appointflow/observability"

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.JobSubmitted   = (*MetricsExtension)(nil)
	_ ext.JobCompleted   = (*MetricsExtension)(nil)
	_ ext.JobFailed      = (*MetricsExtension)(nil)
	_ ext.JobCancelled   = (*MetricsExtension)(nil)
	_ ext.JobDLQ         = (*MetricsExtension)(nil)
	_ ext.BatchCommitted = (*MetricsExtension)(nil)
	_ ext.BatchFailed    = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle metrics through an OTel meter.
//
// Instruments:
//   - appointflow.job.submitted / completed / failed / cancelled / dlq (Int64Counter), by kind
//   - appointflow.job.duration (Float64Histogram): seconds from start to completion, by kind
//   - appointflow.batch.committed (Int64Counter), by kind
//   - appointflow.batch.failed (Int64Counter): systemic batch aborts, by kind
//   - appointflow.batch.duration (Float64Histogram): seconds, by kind
//   - appointflow.recipient.outcomes (Int64Counter): committed outcomes, by kind and status
type MetricsExtension struct {
	jobSubmitted   metric.Int64Counter
	jobCompleted   metric.Int64Counter
	jobFailed      metric.Int64Counter
	jobCancelled   metric.Int64Counter
	jobDLQ         metric.Int64Counter
	jobDuration    metric.Float64Histogram
	batchCommitted metric.Int64Counter
	batchFailed    metric.Int64Counter
	batchDuration  metric.Float64Histogram
	outcomes       metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided meter.
// Instrument creation errors fall back to no-op instruments per the OTel API
// contract and are ignored.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit)) //nolint:errcheck // noop fallback
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, _ := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s")) //nolint:errcheck // noop fallback
		return h
	}
	return &MetricsExtension{
		jobSubmitted:   counter("appointflow.job.submitted", "Jobs accepted", "{job}"),
		jobCompleted:   counter("appointflow.job.completed", "Jobs that committed every batch", "{job}"),
		jobFailed:      counter("appointflow.job.failed", "Jobs that ended failed", "{job}"),
		jobCancelled:   counter("appointflow.job.cancelled", "Jobs stopped by a cancel request", "{job}"),
		jobDLQ:         counter("appointflow.job.dlq", "Jobs pushed to the dead letter queue", "{job}"),
		jobDuration:    histogram("appointflow.job.duration", "Duration of a job run in seconds"),
		batchCommitted: counter("appointflow.batch.committed", "Batch steps committed", "{batch}"),
		batchFailed:    counter("appointflow.batch.failed", "Batch attempts aborted by a systemic failure", "{batch}"),
		batchDuration:  histogram("appointflow.batch.duration", "Duration of a committed batch in seconds"),
		outcomes:       counter("appointflow.recipient.outcomes", "Committed per-recipient outcomes", "{recipient}"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func kindAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", string(j.Kind)))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.jobSubmitted.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobCompleted.Add(ctx, 1, kindAttr(j))
	m.jobDuration.Record(ctx, elapsed.Seconds(), kindAttr(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobCancelled.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobDLQ implements ext.JobDLQ.
func (m *MetricsExtension) OnJobDLQ(ctx context.Context, j *job.Job, _ string, _ error) error {
	m.jobDLQ.Add(ctx, 1, kindAttr(j))
	return nil
}

// ── Batch hooks ─────────────────────────────────────

// OnBatchCommitted implements ext.BatchCommitted.
func (m *MetricsExtension) OnBatchCommitted(ctx context.Context, j *job.Job, _ string, result ledger.StepResult, elapsed time.Duration) error {
	m.batchCommitted.Add(ctx, 1, kindAttr(j))
	m.batchDuration.Record(ctx, elapsed.Seconds(), kindAttr(j))

	for status, n := range map[ledger.OutcomeStatus]int{
		ledger.OutcomeSent:             result.Sent,
		ledger.OutcomePermanentFailure: result.PermanentFailures,
		ledger.OutcomeTransientFailure: result.TransientFailures,
	} {
		if n == 0 {
			continue
		}
		m.outcomes.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("kind", string(j.Kind)),
			attribute.String("status", string(status)),
		))
	}
	return nil
}

// OnBatchFailed implements ext.BatchFailed.
func (m *MetricsExtension) OnBatchFailed(ctx context.Context, j *job.Job, _ string, _ int, _ error) error {
	m.batchFailed.Add(ctx, 1, kindAttr(j))
	return nil
}
