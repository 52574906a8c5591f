package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/backoff"
	"github.com/zakinabdul/appointflow/batch"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
	"github.com/zakinabdul/appointflow/render"
	"github.com/zakinabdul/appointflow/worker"
)

// Store is the persistence the runner drives: jobs plus the step ledger.
type Store interface {
	job.Store
	ledger.Store
}

// BatchExecutor sends one batch. *worker.Pool satisfies it.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, j *job.Job, b batch.Batch, attempt int, skip map[string]struct{}) ([]ledger.Outcome, error)
}

// Emitter receives job and batch lifecycle events. *ext.Registry
// satisfies it.
type Emitter interface {
	EmitJobSubmitted(ctx context.Context, j *job.Job)
	EmitJobStarted(ctx context.Context, j *job.Job)
	EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration)
	EmitJobFailed(ctx context.Context, j *job.Job, err error)
	EmitJobCancelled(ctx context.Context, j *job.Job)
	EmitJobDLQ(ctx context.Context, j *job.Job, stepName string, err error)
	EmitBatchCommitted(ctx context.Context, j *job.Job, stepName string, result ledger.StepResult, elapsed time.Duration)
	EmitBatchFailed(ctx context.Context, j *job.Job, stepName string, attempt int, err error)
}

// DeadLetter records jobs whose batch step exhausted its retries.
// *dlq.Service satisfies it.
type DeadLetter interface {
	Push(ctx context.Context, j *job.Job, stepName string, attempts int, cause error) error
}

// Runner drives jobs through their batch steps. Each job runs on its own
// goroutine; its batches run strictly in index order.
type Runner struct {
	store     Store
	exec      BatchExecutor
	scheduler *batch.Scheduler
	policy    backoff.Policy
	emitter   Emitter
	dlq       DeadLetter
	cfg       appointflow.Config
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithEmitter sets the lifecycle event sink.
func WithEmitter(e Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithDeadLetter sets where exhausted jobs are recorded.
func WithDeadLetter(d DeadLetter) Option {
	return func(r *Runner) { r.dlq = d }
}

// WithBackoff replaces the delay strategy between batch step attempts.
func WithBackoff(s backoff.Strategy) Option {
	return func(r *Runner) { r.policy.Strategy = s }
}

// New creates a Runner. Only systemic failures are retried, up to
// cfg.MaxJobRetries attempts per batch step per run.
func New(store Store, exec BatchExecutor, cfg appointflow.Config, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:     store,
		exec:      exec,
		scheduler: batch.NewScheduler(cfg.InterBatchDelay),
		policy: backoff.Policy{
			MaxAttempts: cfg.MaxJobRetries,
			Strategy:    backoff.DefaultStrategy(cfg.RetryBackoffBase, cfg.RetryBackoffMax),
			Retryable:   worker.IsSystemic,
		},
		emitter: nopEmitter{},
		cfg:     cfg,
		logger:  slog.Default(),
		baseCtx: ctx,
		cancel:  cancel,
		active:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ──────────────────────────────────────────────────
// Public operations
// ──────────────────────────────────────────────────

// Submit persists a new Pending job and starts it in the background. It
// returns once the job is durable.
func (r *Runner) Submit(ctx context.Context, kind job.Kind, payload job.Payload, recipients []job.Recipient) (id.JobID, error) {
	j, err := r.create(ctx, kind, payload, recipients, id.Nil)
	if err != nil {
		return id.Nil, err
	}
	r.start(j.ID)
	return j.ID, nil
}

// Execute runs a job synchronously until it reaches a terminal status or
// ctx ends. A job interrupted by ctx stays Running and can be resumed.
func (r *Runner) Execute(ctx context.Context, jobID id.JobID) error {
	if !r.claim(jobID) {
		return fmt.Errorf("%w: %s", appointflow.ErrJobActive, jobID)
	}
	defer r.release(jobID)
	return r.run(ctx, jobID)
}

// Resume re-enters a job at its first uncommitted batch step in the
// background. Committed steps are skipped without sending.
func (r *Runner) Resume(ctx context.Context, jobID id.JobID) error {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Status.Resumable() {
		return fmt.Errorf("%w: job %s is %s", appointflow.ErrInvalidState, jobID, j.Status)
	}
	if j.Cancel && j.Status.Terminal() {
		return fmt.Errorf("%w: job %s was cancelled", appointflow.ErrInvalidState, jobID)
	}
	if r.isActive(jobID) {
		return fmt.Errorf("%w: %s", appointflow.ErrJobActive, jobID)
	}
	r.start(jobID)
	return nil
}

// ResumeAll resumes every Pending or Running job. Called at startup to
// recover jobs interrupted by a crash. Returns the number resumed.
func (r *Runner) ResumeAll(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []job.Status{job.StatusPending, job.StatusRunning} {
		jobs, err := r.store.ListJobs(ctx, job.ListOpts{Status: st})
		if err != nil {
			return n, fmt.Errorf("list %s jobs: %w", st, err)
		}
		for _, j := range jobs {
			if err := r.Resume(ctx, j.ID); err != nil {
				if errors.Is(err, appointflow.ErrJobActive) {
					continue
				}
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		r.logger.Info("resumed interrupted jobs", slog.Int("count", n))
	}
	return n, nil
}

// Cancel requests that a job stop before its next batch. The batch in
// flight, if any, is allowed to finish. A job that is not executing in
// this process is cancelled immediately. Cancelling a job that has
// already finished returns ErrInvalidState, even when it finished while
// Cancel was running.
func (r *Runner) Cancel(ctx context.Context, jobID id.JobID) error {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", appointflow.ErrInvalidState, jobID, j.Status)
	}

	if r.claim(jobID) {
		defer r.release(jobID)
		return r.cancelled(ctx, jobID)
	}

	if err := r.store.RequestCancel(ctx, jobID); err != nil {
		return fmt.Errorf("request cancel for %s: %w", jobID, err)
	}
	r.logger.Info("cancel requested", slog.String("job_id", jobID.String()))
	return nil
}

// RetryFailed submits a follow-up job of the same kind and payload
// containing only the recipients whose final outcome in a terminal job
// was a transient failure.
func (r *Runner) RetryFailed(ctx context.Context, jobID id.JobID) (id.JobID, error) {
	parent, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return id.Nil, err
	}
	if !parent.Status.Terminal() {
		return id.Nil, fmt.Errorf("%w: job %s is %s", appointflow.ErrInvalidState, jobID, parent.Status)
	}

	steps, err := r.store.ListSteps(ctx, jobID)
	if err != nil {
		return id.Nil, fmt.Errorf("list steps for %s: %w", jobID, err)
	}
	failed := make(map[string]struct{})
	for _, s := range steps {
		if !s.Done() || s.Result == nil {
			continue
		}
		for _, o := range s.Result.Outcomes {
			if o.Status == ledger.OutcomeTransientFailure {
				failed[o.RecipientID] = struct{}{}
			}
		}
	}

	var recipients []job.Recipient
	for _, rc := range parent.Recipients {
		if _, ok := failed[rc.ID]; ok {
			recipients = append(recipients, rc)
		}
	}
	if len(recipients) == 0 {
		return id.Nil, fmt.Errorf("%w: job %s", appointflow.ErrNothingToRetry, jobID)
	}

	j, err := r.create(ctx, parent.Kind, parent.Payload, recipients, parent.ID)
	if err != nil {
		return id.Nil, err
	}
	r.logger.Info("follow-up job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("parent_job_id", parent.ID.String()),
		slog.Int("recipients", len(recipients)),
	)
	r.start(j.ID)
	return j.ID, nil
}

// Wait blocks until every background run has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Close stops background runs at their next batch boundary and waits for
// them, or for ctx, whichever comes first. Interrupted jobs stay Running.
func (r *Runner) Close(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ──────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────

func (r *Runner) create(ctx context.Context, kind job.Kind, payload job.Payload, recipients []job.Recipient, parent id.JobID) (*job.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", appointflow.ErrConfiguration, kind)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", appointflow.ErrConfiguration)
	}

	j := &job.Job{
		Entity:      appointflow.NewEntity(),
		ID:          id.NewJobID(),
		Kind:        kind,
		Payload:     payload,
		Recipients:  job.CloneRecipients(recipients),
		BatchSize:   r.cfg.BatchSize,
		Status:      job.StatusPending,
		ParentJobID: parent,
	}
	if err := r.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	r.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", string(kind)),
		slog.Int("recipients", len(recipients)),
		slog.Int("batches", batch.Count(len(recipients), j.BatchSize)),
	)
	r.emitter.EmitJobSubmitted(ctx, j)
	return j, nil
}

// start runs a job on its own goroutine under the runner's lifetime.
func (r *Runner) start(jobID id.JobID) {
	if !r.claim(jobID) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(jobID)
		if err := r.run(r.baseCtx, jobID); err != nil {
			r.logger.Debug("job run ended",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (r *Runner) claim(jobID id.JobID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[jobID.String()]; ok {
		return false
	}
	r.active[jobID.String()] = struct{}{}
	return true
}

func (r *Runner) release(jobID id.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID.String())
}

func (r *Runner) isActive(jobID id.JobID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jobID.String()]
	return ok
}

// run drives a claimed job from its first uncommitted step to a terminal
// status. Exactly one terminal event is emitted unless ctx ends first.
func (r *Runner) run(ctx context.Context, jobID id.JobID) error {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Status.Resumable() {
		return fmt.Errorf("%w: job %s is %s", appointflow.ErrInvalidState, jobID, j.Status)
	}
	if j.Cancel {
		if err := r.cancelled(ctx, jobID); err != nil {
			return err
		}
		return appointflow.ErrJobCancelled
	}

	if err := render.ValidatePayload(j.Kind, j.Payload); err != nil {
		r.failed(ctx, jobID, err)
		return err
	}

	start := time.Now()
	j, err = r.transition(ctx, jobID, job.Status.Resumable, func(j *job.Job) {
		now := time.Now().UTC()
		j.Status = job.StatusRunning
		j.Error = ""
		j.CompletedAt = nil
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	})
	if err != nil {
		return err
	}
	r.logger.Info("job started",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", string(j.Kind)),
	)
	r.emitter.EmitJobStarted(ctx, j)

	batches := r.scheduler.Plan(j)
	for _, b := range batches {
		cur, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if cur.Cancel {
			if err := r.cancelled(ctx, jobID); err != nil {
				return err
			}
			return appointflow.ErrJobCancelled
		}

		ran, err := r.runBatch(ctx, cur, b)
		if err != nil {
			var ex *exhaustedError
			if errors.As(err, &ex) {
				r.exhausted(ctx, jobID, ex)
			}
			return err
		}
		if ran {
			if err := r.scheduler.Pace(ctx, b.Index, len(batches)); err != nil {
				return err
			}
		}
	}

	j, err = r.transition(ctx, jobID, active, func(j *job.Job) {
		now := time.Now().UTC()
		j.Status = job.StatusCompleted
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	r.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.Int("batches", len(batches)),
		slog.Duration("elapsed", elapsed),
	)
	r.emitter.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// runBatch executes one batch step through the ledger, retrying systemic
// failures. It reports whether the batch was executed in this call (as
// opposed to skipped because it had already committed).
func (r *Runner) runBatch(ctx context.Context, j *job.Job, b batch.Batch) (bool, error) {
	// Once sends have started their results must reach the ledger even if
	// ctx ends.
	wctx := context.WithoutCancel(ctx)

	for try := 1; ; try++ {
		step, done, err := r.store.TryBegin(ctx, j.ID, b.StepName)
		if err != nil {
			return false, fmt.Errorf("begin %s: %w", b.StepName, err)
		}
		if done {
			r.logger.Debug("batch already committed, skipping",
				slog.String("job_id", j.ID.String()),
				slog.String("step", b.StepName),
			)
			return false, nil
		}

		skip := make(map[string]struct{}, len(step.Partial))
		for _, o := range step.Partial {
			skip[o.RecipientID] = struct{}{}
		}

		started := time.Now()
		outcomes, execErr := r.exec.ExecuteBatch(ctx, j, b, step.Attempts, skip)
		if execErr == nil {
			result := ledger.NewStepResult(inBatchOrder(b, append(step.Partial, outcomes...)))
			if err := r.store.Commit(wctx, j.ID, b.StepName, result); err != nil {
				if errors.Is(err, appointflow.ErrStepAlreadyCommitted) {
					r.logger.Warn("batch committed by another runner",
						slog.String("job_id", j.ID.String()),
						slog.String("step", b.StepName),
					)
					return true, nil
				}
				return false, fmt.Errorf("commit %s: %w", b.StepName, err)
			}

			elapsed := time.Since(started)
			r.logger.Info("batch committed",
				slog.String("job_id", j.ID.String()),
				slog.String("step", b.StepName),
				slog.Int("sent", result.Sent),
				slog.Int("permanent_failures", result.PermanentFailures),
				slog.Int("transient_failures", result.TransientFailures),
				slog.Duration("elapsed", elapsed),
			)
			r.emitter.EmitBatchCommitted(ctx, j, b.StepName, result, elapsed)
			return true, nil
		}

		if !worker.IsSystemic(execErr) {
			return false, fmt.Errorf("execute %s: %w", b.StepName, execErr)
		}

		if err := r.store.SavePartial(wctx, j.ID, b.StepName, outcomes); err != nil {
			r.logger.Error("failed to save partial batch progress",
				slog.String("job_id", j.ID.String()),
				slog.String("step", b.StepName),
				slog.String("error", err.Error()),
			)
		}
		if err := r.store.Fail(wctx, j.ID, b.StepName, execErr.Error()); err != nil {
			r.logger.Error("failed to record batch failure",
				slog.String("job_id", j.ID.String()),
				slog.String("step", b.StepName),
				slog.String("error", err.Error()),
			)
		}
		r.emitter.EmitBatchFailed(ctx, j, b.StepName, try, execErr)

		if !r.policy.ShouldRetry(try, execErr) {
			return false, &exhaustedError{stepName: b.StepName, attempts: step.Attempts, tries: try, cause: execErr}
		}

		r.logger.Warn("batch failed systemically, retrying",
			slog.String("job_id", j.ID.String()),
			slog.String("step", b.StepName),
			slog.Int("attempt", try),
			slog.Int("max_attempts", r.policy.MaxAttempts),
			slog.String("error", execErr.Error()),
		)
		if err := r.policy.Wait(ctx, try); err != nil {
			return false, err
		}
	}
}

// exhaustedError reports a batch step that ran out of attempts.
type exhaustedError struct {
	stepName string
	attempts int // lifetime attempts recorded on the step
	tries    int // attempts made in this run
	cause    error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempts: %v",
		appointflow.ErrMaxRetriesExceeded, e.stepName, e.tries, e.cause)
}

func (e *exhaustedError) Unwrap() []error {
	return []error{appointflow.ErrMaxRetriesExceeded, e.cause}
}

// ──────────────────────────────────────────────────
// Terminal transitions
// ──────────────────────────────────────────────────

// transitionAttempts bounds how often transition re-reads a job whose
// status moved under it.
const transitionAttempts = 5

// active is the precondition of every terminal transition.
func active(s job.Status) bool { return !s.Terminal() }

// transition reloads the job, checks that its current status satisfies
// from, applies fn and writes it back conditioned on that status. If the
// status changed in between, the job is re-read and from is checked
// again, so a job that another runner or Cancel finished is never
// overwritten. A job failing from returns ErrInvalidState.
func (r *Runner) transition(ctx context.Context, jobID id.JobID, from func(job.Status) bool, fn func(*job.Job)) (*job.Job, error) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		j, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		prev := j.Status
		if !from(prev) {
			return nil, fmt.Errorf("%w: job %s is %s", appointflow.ErrInvalidState, jobID, prev)
		}
		fn(j)
		j.UpdatedAt = time.Now().UTC()

		err = r.store.UpdateJob(ctx, j, prev)
		if err == nil {
			return j, nil
		}
		if errors.Is(err, appointflow.ErrJobConflict) && attempt < transitionAttempts {
			continue
		}
		r.logger.Error("failed to update job",
			slog.String("job_id", jobID.String()),
			slog.String("status", string(j.Status)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
}

// failed marks the job Failed. It reports false when the job had already
// reached a terminal status, in which case nothing is emitted.
func (r *Runner) failed(ctx context.Context, jobID id.JobID, cause error) (*job.Job, bool) {
	updated, err := r.transition(ctx, jobID, active, func(j *job.Job) {
		now := time.Now().UTC()
		j.Status = job.StatusFailed
		j.Error = cause.Error()
		j.CompletedAt = &now
	})
	if err != nil {
		return nil, false
	}
	r.logger.Error("job failed",
		slog.String("job_id", jobID.String()),
		slog.String("error", cause.Error()),
	)
	r.emitter.EmitJobFailed(ctx, updated, cause)
	return updated, true
}

// exhausted fails the job and records it in the dead letter queue.
func (r *Runner) exhausted(ctx context.Context, jobID id.JobID, ex *exhaustedError) {
	j, ok := r.failed(ctx, jobID, ex)
	if !ok || r.dlq == nil {
		return
	}
	if err := r.dlq.Push(context.WithoutCancel(ctx), j, ex.stepName, ex.attempts, ex.cause); err != nil {
		r.logger.Error("failed to push job to dlq",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.emitter.EmitJobDLQ(ctx, j, ex.stepName, ex.cause)
}

func (r *Runner) cancelled(ctx context.Context, jobID id.JobID) error {
	updated, err := r.transition(ctx, jobID, active, func(cur *job.Job) {
		now := time.Now().UTC()
		cur.Status = job.StatusCancelled
		cur.Cancel = true
		cur.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	r.logger.Info("job cancelled", slog.String("job_id", jobID.String()))
	r.emitter.EmitJobCancelled(ctx, updated)
	return nil
}

// inBatchOrder sorts outcomes into the order of b's recipients.
func inBatchOrder(b batch.Batch, outcomes []ledger.Outcome) []ledger.Outcome {
	pos := make(map[string]int, len(b.Recipients))
	for i, rc := range b.Recipients {
		pos[rc.ID] = i
	}
	out := make([]ledger.Outcome, len(outcomes))
	copy(out, outcomes)
	sort.SliceStable(out, func(i, k int) bool {
		return pos[out[i].RecipientID] < pos[out[k].RecipientID]
	})
	return out
}

type nopEmitter struct{}

func (nopEmitter) EmitJobSubmitted(context.Context, *job.Job)                    {}
func (nopEmitter) EmitJobStarted(context.Context, *job.Job)                      {}
func (nopEmitter) EmitJobCompleted(context.Context, *job.Job, time.Duration)     {}
func (nopEmitter) EmitJobFailed(context.Context, *job.Job, error)                {}
func (nopEmitter) EmitJobCancelled(context.Context, *job.Job)                    {}
func (nopEmitter) EmitJobDLQ(context.Context, *job.Job, string, error)           {}
func (nopEmitter) EmitBatchFailed(context.Context, *job.Job, string, int, error) {}
func (nopEmitter) EmitBatchCommitted(context.Context, *job.Job, string, ledger.StepResult, time.Duration) {
}
