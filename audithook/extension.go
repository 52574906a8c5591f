package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zakinabdul/appointflow/ext"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// Compile-time interface checks.
var (
	_ ext.Extension      = (*Extension)(nil)
	_ ext.JobSubmitted   = (*Extension)(nil)
	_ ext.JobStarted     = (*Extension)(nil)
	_ ext.JobCompleted   = (*Extension)(nil)
	_ ext.JobFailed      = (*Extension)(nil)
	_ ext.JobCancelled   = (*Extension)(nil)
	_ ext.JobDLQ         = (*Extension)(nil)
	_ ext.BatchCommitted = (*Extension)(nil)
	_ ext.BatchFailed    = (*Extension)(nil)
)

// AuditEvent is one audit trail record.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// Severity values.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension records lifecycle events through a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that records through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (e *Extension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess, j, nil,
		"recipients", len(j.Recipients),
		"batch_size", j.BatchSize,
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess, j, nil)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.recordJob(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, j, nil,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return e.recordJob(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, j, jobErr)
}

// OnJobCancelled implements ext.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobCancelled, SeverityWarning, OutcomeSuccess, j, nil)
}

// OnJobDLQ implements ext.JobDLQ.
func (e *Extension) OnJobDLQ(ctx context.Context, j *job.Job, stepName string, jobErr error) error {
	return e.recordJob(ctx, ActionJobDLQ, SeverityCritical, OutcomeFailure, j, jobErr,
		"step_name", stepName,
	)
}

// ── Batch hooks ─────────────────────────────────────

// OnBatchCommitted implements ext.BatchCommitted.
func (e *Extension) OnBatchCommitted(ctx context.Context, j *job.Job, stepName string, result ledger.StepResult, elapsed time.Duration) error {
	return e.record(ctx, ActionBatchCommitted, SeverityInfo, OutcomeSuccess,
		ResourceBatch, j.ID.String()+"/"+stepName, CategoryBatch, nil,
		"job_id", j.ID.String(),
		"sent", result.Sent,
		"permanent_failures", result.PermanentFailures,
		"transient_failures", result.TransientFailures,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnBatchFailed implements ext.BatchFailed.
func (e *Extension) OnBatchFailed(ctx context.Context, j *job.Job, stepName string, attempt int, batchErr error) error {
	return e.record(ctx, ActionBatchFailed, SeverityWarning, OutcomeFailure,
		ResourceBatch, j.ID.String()+"/"+stepName, CategoryBatch, batchErr,
		"job_id", j.ID.String(),
		"attempt", attempt,
	)
}

// ── Internal helpers ────────────────────────────────

func (e *Extension) recordJob(ctx context.Context, action, severity, outcome string, j *job.Job, err error, kvPairs ...any) error {
	kvPairs = append(kvPairs, "kind", string(j.Kind), "event_id", j.Payload.Event.ID)
	if !j.ParentJobID.IsNil() {
		kvPairs = append(kvPairs, "parent_job_id", j.ParentJobID.String())
	}
	return e.record(ctx, action, severity, outcome, ResourceJob, j.ID.String(), CategoryJob, err, kvPairs...)
}

// record builds and sends an audit event if the action is enabled.
// kvPairs become Metadata. Recorder errors are logged, not returned.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audithook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
