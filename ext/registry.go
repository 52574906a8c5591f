package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// hooked pairs a hook with the name of the extension that provides it.
type hooked[H any] struct {
	ext  string
	hook H
}

// collect appends e to list when e implements H.
func collect[H any](list []hooked[H], name string, e Extension) []hooked[H] {
	if h, ok := e.(H); ok {
		list = append(list, hooked[H]{ext: name, hook: h})
	}
	return list
}

// Registry fans lifecycle events out to extensions. Hook lists are built at
// Register time, so each emit touches only the extensions that asked for
// that event.
//
// Registration is not synchronized: register everything before the engine
// starts. Emits may then run concurrently.
type Registry struct {
	all    []Extension
	logger *slog.Logger

	submitted []hooked[JobSubmitted]
	started   []hooked[JobStarted]
	completed []hooked[JobCompleted]
	failed    []hooked[JobFailed]
	cancelled []hooked[JobCancelled]
	dlq       []hooked[JobDLQ]
	committed []hooked[BatchCommitted]
	batchFail []hooked[BatchFailed]
	shutdown  []hooked[Shutdown]
}

// NewRegistry returns an empty registry. A nil logger means slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds e. Extensions see events in registration order.
func (r *Registry) Register(e Extension) {
	name := e.Name()
	r.all = append(r.all, e)

	r.submitted = collect(r.submitted, name, e)
	r.started = collect(r.started, name, e)
	r.completed = collect(r.completed, name, e)
	r.failed = collect(r.failed, name, e)
	r.cancelled = collect(r.cancelled, name, e)
	r.dlq = collect(r.dlq, name, e)
	r.committed = collect(r.committed, name, e)
	r.batchFail = collect(r.batchFail, name, e)
	r.shutdown = collect(r.shutdown, name, e)
}

func (r *Registry) Extensions() []Extension { return r.all }

// notify calls fn for every entry and logs, rather than returns, failures.
func notify[H any](r *Registry, event string, j *job.Job, list []hooked[H], fn func(H) error) {
	for _, h := range list {
		if err := fn(h.hook); err != nil {
			attrs := []any{
				slog.String("event", event),
				slog.String("extension", h.ext),
				slog.String("error", err.Error()),
			}
			if j != nil {
				attrs = append(attrs, slog.String("job_id", j.ID.String()))
			}
			r.logger.Warn("extension hook failed", attrs...)
		}
	}
}

// ── Job events ──────────────────────────────────────

func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	notify(r, "job.submitted", j, r.submitted, func(h JobSubmitted) error {
		return h.OnJobSubmitted(ctx, j)
	})
}

func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	notify(r, "job.started", j, r.started, func(h JobStarted) error {
		return h.OnJobStarted(ctx, j)
	})
}

func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	notify(r, "job.completed", j, r.completed, func(h JobCompleted) error {
		return h.OnJobCompleted(ctx, j, elapsed)
	})
}

func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, cause error) {
	notify(r, "job.failed", j, r.failed, func(h JobFailed) error {
		return h.OnJobFailed(ctx, j, cause)
	})
}

func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	notify(r, "job.cancelled", j, r.cancelled, func(h JobCancelled) error {
		return h.OnJobCancelled(ctx, j)
	})
}

// EmitJobDLQ reports the step the job was stuck on when it was dead
// lettered.
func (r *Registry) EmitJobDLQ(ctx context.Context, j *job.Job, stepName string, cause error) {
	notify(r, "job.dlq", j, r.dlq, func(h JobDLQ) error {
		return h.OnJobDLQ(ctx, j, stepName, cause)
	})
}

// ── Batch events ────────────────────────────────────

func (r *Registry) EmitBatchCommitted(ctx context.Context, j *job.Job, stepName string, result ledger.StepResult, elapsed time.Duration) {
	notify(r, "batch.committed", j, r.committed, func(h BatchCommitted) error {
		return h.OnBatchCommitted(ctx, j, stepName, result, elapsed)
	})
}

// EmitBatchFailed is called once per aborted attempt, so a step that
// recovers on retry may still produce several events.
func (r *Registry) EmitBatchFailed(ctx context.Context, j *job.Job, stepName string, attempt int, cause error) {
	notify(r, "batch.failed", j, r.batchFail, func(h BatchFailed) error {
		return h.OnBatchFailed(ctx, j, stepName, attempt, cause)
	})
}

// EmitShutdown runs the shutdown hooks. engine.Stop calls it last.
func (r *Registry) EmitShutdown(ctx context.Context) {
	notify(r, "shutdown", nil, r.shutdown, func(h Shutdown) error {
		return h.OnShutdown(ctx)
	})
}
