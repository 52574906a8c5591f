package ext

import (
	"context"
	"time"

	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is persisted.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when the runner begins driving a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after the last batch step commits.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job ends Failed.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a job stops after a cancel request.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobDLQ is called when a failed job is pushed to the dead letter queue.
type JobDLQ interface {
	OnJobDLQ(ctx context.Context, j *job.Job, stepName string, err error) error
}

// ──────────────────────────────────────────────────
// Batch hooks
// ──────────────────────────────────────────────────

// BatchCommitted is called after a batch step's result is committed.
type BatchCommitted interface {
	OnBatchCommitted(ctx context.Context, j *job.Job, stepName string, result ledger.StepResult, elapsed time.Duration) error
}

// BatchFailed is called when a batch attempt aborts on a systemic error.
// attempt counts from 1 within the current run.
type BatchFailed interface {
	OnBatchFailed(ctx context.Context, j *job.Job, stepName string, attempt int, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
