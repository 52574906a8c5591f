package runner_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/backoff"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
	"github.com/zakinabdul/appointflow/middleware"
	"github.com/zakinabdul/appointflow/render"
	"github.com/zakinabdul/appointflow/runner"
	"github.com/zakinabdul/appointflow/store/memory"
	"github.com/zakinabdul/appointflow/store/storetest"
	"github.com/zakinabdul/appointflow/transport"
	trmemory "github.com/zakinabdul/appointflow/transport/memory"
	"github.com/zakinabdul/appointflow/worker"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder counts lifecycle events and lets a test hook batch commits.
type recorder struct {
	mu       sync.Mutex
	counts   map[string]int
	onCommit func(ctx context.Context, j *job.Job, stepName string)
}

func newRecorder() *recorder { return &recorder{counts: make(map[string]int)} }

func (r *recorder) inc(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *recorder) terminal() int {
	return r.count("completed") + r.count("failed") + r.count("cancelled")
}

func (r *recorder) EmitJobSubmitted(context.Context, *job.Job) { r.inc("submitted") }
func (r *recorder) EmitJobStarted(context.Context, *job.Job)   { r.inc("started") }
func (r *recorder) EmitJobCompleted(context.Context, *job.Job, time.Duration) {
	r.inc("completed")
}

func (r *recorder) EmitJobFailed(context.Context, *job.Job, error)      { r.inc("failed") }
func (r *recorder) EmitJobCancelled(context.Context, *job.Job)          { r.inc("cancelled") }
func (r *recorder) EmitJobDLQ(context.Context, *job.Job, string, error) { r.inc("dlq") }
func (r *recorder) EmitBatchFailed(context.Context, *job.Job, string, int, error) {
	r.inc("batch_failed")
}

func (r *recorder) EmitBatchCommitted(ctx context.Context, j *job.Job, stepName string, _ ledger.StepResult, _ time.Duration) {
	r.mu.Lock()
	hook := r.onCommit
	r.mu.Unlock()
	r.inc("batch_committed")
	if hook != nil {
		hook(ctx, j, stepName)
	}
}

type harness struct {
	store *memory.Store
	tr    *trmemory.Transport
	rec   *recorder
	dlq   *dlq.Service
	run   *runner.Runner
}

func testConfig() appointflow.Config {
	cfg := appointflow.DefaultConfig()
	cfg.InterBatchDelay = 0
	cfg.Concurrency = 1
	return cfg
}

func newHarness(t *testing.T, cfg appointflow.Config) *harness {
	t.Helper()
	return newWrappedHarness(t, cfg, nil)
}

// newWrappedHarness lets a test interpose on the runner's store. The
// harness's own store field stays the unwrapped memory store.
func newWrappedHarness(t *testing.T, cfg appointflow.Config, wrap func(*memory.Store) runner.Store) *harness {
	t.Helper()
	rd, err := render.NewTemplateRenderer()
	if err != nil {
		t.Fatalf("NewTemplateRenderer: %v", err)
	}
	logger := silentLogger()
	h := &harness{
		store: memory.New(),
		tr:    trmemory.New(),
		rec:   newRecorder(),
	}
	exec := worker.NewExecutor(h.tr, rd, cfg.FrontendURL, logger, middleware.Recover(logger))
	pool := worker.NewPool(exec, logger, worker.WithConcurrency(cfg.Concurrency))
	h.dlq = dlq.NewService(h.store, nil)
	var rs runner.Store = h.store
	if wrap != nil {
		rs = wrap(h.store)
	}
	h.run = runner.New(rs, pool, cfg,
		runner.WithLogger(logger),
		runner.WithEmitter(h.rec),
		runner.WithDeadLetter(h.dlq),
		runner.WithBackoff(backoff.NewConstant(0)),
	)
	h.dlq.SetResumer(h.run)
	t.Cleanup(func() {
		_ = h.run.Close(context.Background()) //nolint:errcheck // best-effort cleanup
	})
	return h
}

// seed persists a pending job with n recipients without starting it.
func (h *harness) seed(t *testing.T, n int) *job.Job {
	t.Helper()
	j := storetest.NewJob(n)
	if err := h.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func (h *harness) job(t *testing.T, jobID id.JobID) *job.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func recipients(n int) []job.Recipient {
	return storetest.NewJob(n).Recipients
}

func reminderPayload() job.Payload {
	return storetest.NewJob(1).Payload
}

var errAuth = errors.New("401 unauthorized")

// ──────────────────────────────────────────────────
// Submit / Execute
// ──────────────────────────────────────────────────

func TestSubmit_RunsToCompletion(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	jobID, err := h.run.Submit(ctx, job.KindReminder, reminderPayload(), recipients(120))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.run.Wait()

	j := h.job(t, jobID)
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed (error %q)", j.Status, j.Error)
	}
	if j.BatchSize != 50 {
		t.Errorf("batch size = %d, want 50", j.BatchSize)
	}
	if j.StartedAt == nil || j.CompletedAt == nil {
		t.Error("expected StartedAt and CompletedAt to be set")
	}
	if got := h.tr.SentCount(); got != 120 {
		t.Errorf("sent = %d, want 120", got)
	}
	if h.rec.count("submitted") != 1 || h.rec.count("started") != 1 || h.rec.count("completed") != 1 {
		t.Errorf("events = %v", h.rec.counts)
	}
	if got := h.rec.count("batch_committed"); got != 3 {
		t.Errorf("batch commits = %d, want 3", got)
	}
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if _, err := h.run.Submit(ctx, job.Kind("sms"), reminderPayload(), recipients(1)); !errors.Is(err, appointflow.ErrConfiguration) {
		t.Errorf("unknown kind: err = %v, want ErrConfiguration", err)
	}
	if _, err := h.run.Submit(ctx, job.KindReminder, reminderPayload(), nil); !errors.Is(err, appointflow.ErrConfiguration) {
		t.Errorf("no recipients: err = %v, want ErrConfiguration", err)
	}
	if h.rec.count("submitted") != 0 {
		t.Error("rejected submissions must not emit events")
	}
}

func TestSubmit_RecipientsAreSnapshotted(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	rs := recipients(2)
	jobID, err := h.run.Submit(ctx, job.KindReminder, reminderPayload(), rs)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rs[0].Email = "changed@example.com"
	rs[0].Vars["ticket"] = "changed"
	h.run.Wait()

	j := h.job(t, jobID)
	if j.Recipients[0].Email != "user0@example.com" || j.Recipients[0].Vars["ticket"] != "VIP" {
		t.Errorf("recipient changed after submit: %+v", j.Recipients[0])
	}
}

func TestExecute_Partitioning(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 120)

	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rep, err := h.run.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.TotalBatches != 3 || rep.CompletedBatches != 3 {
		t.Fatalf("batches = %d/%d, want 3/3", rep.CompletedBatches, rep.TotalBatches)
	}
	want := []int{50, 50, 20}
	for i, bp := range rep.Batches {
		if bp.Recipients != want[i] || bp.Sent != want[i] {
			t.Errorf("batch %d: recipients=%d sent=%d, want %d", i, bp.Recipients, bp.Sent, want[i])
		}
		if bp.StepName != ledger.StepName(i) {
			t.Errorf("batch %d: step = %q", i, bp.StepName)
		}
		if bp.Status != ledger.StepSucceeded || bp.Attempts != 1 {
			t.Errorf("batch %d: status=%q attempts=%d", i, bp.Status, bp.Attempts)
		}
	}
	if rep.Sent != 120 || len(rep.Outcomes) != 120 {
		t.Errorf("sent=%d outcomes=%d, want 120", rep.Sent, len(rep.Outcomes))
	}
	seen := make(map[string]bool)
	for i, o := range rep.Outcomes {
		if seen[o.RecipientID] {
			t.Fatalf("duplicate outcome for %s", o.RecipientID)
		}
		seen[o.RecipientID] = true
		if o.RecipientID != fmt.Sprintf("reg_%03d", i) {
			t.Fatalf("outcome %d is %s, want recipient order", i, o.RecipientID)
		}
	}
}

func TestExecute_ActiveJobRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 60)

	h.rec.onCommit = func(ctx context.Context, _ *job.Job, _ string) {
		if err := h.run.Execute(ctx, j.ID); !errors.Is(err, appointflow.ErrJobActive) {
			t.Errorf("nested Execute: err = %v, want ErrJobActive", err)
		}
	}
	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_TerminalJobRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 5)

	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := h.run.Execute(ctx, j.ID); !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("re-execute completed job: err = %v, want ErrInvalidState", err)
	}
	if err := h.run.Resume(ctx, j.ID); !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("resume completed job: err = %v, want ErrInvalidState", err)
	}
	if h.tr.SentCount() != 5 {
		t.Errorf("sent = %d, want 5", h.tr.SentCount())
	}
}

// ──────────────────────────────────────────────────
// Idempotent resume
// ──────────────────────────────────────────────────

func TestResume_AfterCrashSkipsCommittedBatches(t *testing.T) {
	h := newHarness(t, testConfig())
	j := h.seed(t, 120)

	// Crash right after the first batch commits.
	crashCtx, crash := context.WithCancel(context.Background())
	h.rec.onCommit = func(_ context.Context, _ *job.Job, stepName string) {
		if stepName == ledger.StepName(0) {
			crash()
		}
	}
	if err := h.run.Execute(crashCtx, j.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute: err = %v, want context.Canceled", err)
	}
	if got := h.job(t, j.ID).Status; got != job.StatusRunning {
		t.Fatalf("status after crash = %q, want running", got)
	}
	if got := h.tr.SentCount(); got != 50 {
		t.Fatalf("sent before crash = %d, want 50", got)
	}
	if h.rec.terminal() != 0 {
		t.Fatal("no terminal event expected for an interrupted run")
	}

	h.rec.onCommit = nil
	if err := h.run.Execute(context.Background(), j.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := h.tr.SentCount() - 50; got != 70 {
		t.Errorf("new sends on resume = %d, want 70", got)
	}

	rep, err := h.run.Status(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.Status != job.StatusCompleted || rep.Sent != 120 {
		t.Errorf("status=%q sent=%d, want completed/120", rep.Status, rep.Sent)
	}
	if rep.Batches[0].Attempts != 1 {
		t.Errorf("batch 0 attempts = %d, want 1 (skipped on resume)", rep.Batches[0].Attempts)
	}
	if h.rec.terminal() != 1 {
		t.Errorf("terminal events = %d, want 1", h.rec.terminal())
	}
}

func TestResume_SendOnceAcrossRepeatedCrashes(t *testing.T) {
	h := newHarness(t, testConfig())
	j := h.seed(t, 230)

	// Crash after every batch until the job completes.
	for range 10 {
		ctx, crash := context.WithCancel(context.Background())
		h.rec.onCommit = func(context.Context, *job.Job, string) { crash() }
		err := h.run.Execute(ctx, j.ID)
		crash()
		if err == nil {
			break
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Execute: %v", err)
		}
	}

	if got := h.job(t, j.ID).Status; got != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	for _, r := range j.Recipients {
		if n := h.tr.SentTo(r.Email); n != 1 {
			t.Fatalf("%s received %d messages, want 1", r.Email, n)
		}
	}
	if h.rec.count("completed") != 1 {
		t.Errorf("completed events = %d, want 1", h.rec.count("completed"))
	}
}

func TestResumeAll(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	a := h.seed(t, 10)
	b := h.seed(t, 10)
	b.Status = job.StatusRunning
	if err := h.store.UpdateJob(ctx, b, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	done := h.seed(t, 10)
	done.Status = job.StatusCompleted
	if err := h.store.UpdateJob(ctx, done, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	n, err := h.run.ResumeAll(ctx)
	if err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}
	if n != 2 {
		t.Errorf("resumed = %d, want 2", n)
	}
	h.run.Wait()

	for _, jobID := range []id.JobID{a.ID, b.ID} {
		if got := h.job(t, jobID).Status; got != job.StatusCompleted {
			t.Errorf("%s status = %q, want completed", jobID, got)
		}
	}
	if h.tr.SentCount() != 20 {
		t.Errorf("sent = %d, want 20", h.tr.SentCount())
	}
}

// ──────────────────────────────────────────────────
// Failure handling
// ──────────────────────────────────────────────────

func TestFailureIsolation(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 10)

	h.tr.FailFor("user3@example.com", transport.Permanent(errors.New("invalid address")))
	h.tr.FailFor("user7@example.com", transport.Transient(errors.New("503")))

	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rep, err := h.run.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", rep.Status)
	}
	if rep.Sent != 8 || rep.PermanentFailures != 1 || rep.TransientFailures != 1 {
		t.Errorf("sent=%d perm=%d trans=%d, want 8/1/1", rep.Sent, rep.PermanentFailures, rep.TransientFailures)
	}
	if rep.Batches[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (recipient failures never retry)", rep.Batches[0].Attempts)
	}
	if h.rec.count("batch_failed") != 0 {
		t.Error("recipient failures must not fail the batch")
	}
}

func TestSystemicRetryBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxJobRetries = 3
	h := newHarness(t, cfg)
	ctx := context.Background()
	j := h.seed(t, 10)

	h.tr.FailAll(transport.Systemic(errAuth))

	err := h.run.Execute(ctx, j.ID)
	if !errors.Is(err, appointflow.ErrMaxRetriesExceeded) {
		t.Fatalf("Execute: err = %v, want ErrMaxRetriesExceeded", err)
	}
	if !errors.Is(err, errAuth) {
		t.Errorf("err = %v, want systemic cause attached", err)
	}
	if got := h.tr.Attempts(); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}

	jj := h.job(t, j.ID)
	if jj.Status != job.StatusFailed || jj.Error == "" {
		t.Errorf("status=%q error=%q, want failed with cause", jj.Status, jj.Error)
	}
	step, err := h.store.GetStep(ctx, j.ID, ledger.StepName(0))
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if step.Status != ledger.StepFailed || step.Attempts != 3 {
		t.Errorf("step status=%q attempts=%d, want failed/3", step.Status, step.Attempts)
	}
	if h.rec.count("batch_failed") != 3 || h.rec.count("failed") != 1 || h.rec.count("dlq") != 1 {
		t.Errorf("events = %v", h.rec.counts)
	}

	entries, err := h.store.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID.String() != j.ID.String() || entries[0].Attempts != 3 {
		t.Fatalf("dlq entries = %+v", entries)
	}
	if entries[0].StepName != ledger.StepName(0) {
		t.Errorf("dlq step = %q", entries[0].StepName)
	}
}

func TestSystemicFailure_RecoversWithinBudget(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 20)

	// 5 sends succeed, then the provider goes down for one attempt.
	errs := make([]error, 0, 6)
	for range 5 {
		errs = append(errs, nil)
	}
	errs = append(errs, transport.Systemic(errAuth))
	h.tr.FailNext(errs...)

	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for _, r := range j.Recipients {
		if n := h.tr.SentTo(r.Email); n != 1 {
			t.Fatalf("%s received %d messages, want 1", r.Email, n)
		}
	}
	rep, err := h.run.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.Batches[0].Attempts != 2 || rep.Sent != 20 || len(rep.Outcomes) != 20 {
		t.Errorf("attempts=%d sent=%d outcomes=%d, want 2/20/20",
			rep.Batches[0].Attempts, rep.Sent, len(rep.Outcomes))
	}
	if h.rec.count("batch_failed") != 1 || h.rec.count("completed") != 1 {
		t.Errorf("events = %v", h.rec.counts)
	}
}

func TestFailedJob_ResumeGetsFreshBudget(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 70)

	// Batch 0 commits, then batch 1 keeps failing.
	h.rec.onCommit = func(context.Context, *job.Job, string) {
		h.tr.FailAll(transport.Systemic(errAuth))
	}
	if err := h.run.Execute(ctx, j.ID); !errors.Is(err, appointflow.ErrMaxRetriesExceeded) {
		t.Fatalf("Execute: err = %v", err)
	}
	h.rec.onCommit = nil
	h.tr.FailAll(nil)

	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := h.job(t, j.ID); got.Status != job.StatusCompleted || got.Error != "" {
		t.Errorf("status=%q error=%q", got.Status, got.Error)
	}
	if h.tr.SentCount() != 70 {
		t.Errorf("sent = %d, want 70", h.tr.SentCount())
	}
	step, err := h.store.GetStep(ctx, j.ID, ledger.StepName(1))
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if step.Attempts != 4 {
		t.Errorf("batch 1 attempts = %d, want 4", step.Attempts)
	}
}

func TestDLQReplay(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 10)

	h.tr.FailAll(transport.Systemic(errAuth))
	_ = h.run.Execute(ctx, j.ID) //nolint:errcheck // failure asserted via DLQ
	h.tr.FailAll(nil)

	entries, err := h.store.ListDLQ(ctx, dlq.ListOpts{PendingOnly: true})
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListDLQ = %d entries, %v", len(entries), err)
	}
	jobID, err := h.dlq.Replay(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	h.run.Wait()

	if jobID.String() != j.ID.String() {
		t.Errorf("replayed job = %s, want %s", jobID, j.ID)
	}
	if got := h.job(t, j.ID).Status; got != job.StatusCompleted {
		t.Errorf("status = %q, want completed", got)
	}
	if h.tr.SentCount() != 10 {
		t.Errorf("sent = %d, want 10", h.tr.SentCount())
	}
}

func TestConfigurationErrorFailsFast(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	j := storetest.NewJob(10)
	j.Payload.Event.Location = ""
	if err := h.store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	err := h.run.Execute(ctx, j.ID)
	if !errors.Is(err, appointflow.ErrConfiguration) {
		t.Fatalf("Execute: err = %v, want ErrConfiguration", err)
	}
	if !render.IsMissingField(err, render.ScopeEvent) {
		t.Errorf("err = %v, want missing event field", err)
	}
	if got := h.job(t, j.ID); got.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if h.tr.Attempts() != 0 {
		t.Errorf("send attempts = %d, want 0", h.tr.Attempts())
	}
	if h.rec.count("failed") != 1 || h.rec.count("dlq") != 0 || h.rec.count("started") != 0 {
		t.Errorf("events = %v", h.rec.counts)
	}
}

// ──────────────────────────────────────────────────
// Cancel
// ──────────────────────────────────────────────────

func TestCancel_BetweenBatches(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 120)

	h.rec.onCommit = func(ctx context.Context, _ *job.Job, stepName string) {
		if stepName == ledger.StepName(0) {
			if err := h.run.Cancel(ctx, j.ID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}
	err := h.run.Execute(ctx, j.ID)
	if !errors.Is(err, appointflow.ErrJobCancelled) {
		t.Fatalf("Execute: err = %v, want ErrJobCancelled", err)
	}
	if got := h.job(t, j.ID).Status; got != job.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got)
	}
	if h.tr.SentCount() != 50 {
		t.Errorf("sent = %d, want 50 (in-flight batch finishes)", h.tr.SentCount())
	}
	if h.rec.count("cancelled") != 1 || h.rec.terminal() != 1 {
		t.Errorf("events = %v", h.rec.counts)
	}
}

func TestCancel_IdleJob(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 5)

	if err := h.run.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := h.job(t, j.ID).Status; got != job.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got)
	}
	if err := h.run.Cancel(ctx, j.ID); !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("second Cancel: err = %v, want ErrInvalidState", err)
	}
	if err := h.run.Resume(ctx, j.ID); !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("Resume cancelled: err = %v, want ErrInvalidState", err)
	}
	if h.tr.Attempts() != 0 {
		t.Errorf("send attempts = %d, want 0", h.tr.Attempts())
	}
}

// pausingStore blocks the next GetJob after arm, once it has read the job,
// until release is closed.
type pausingStore struct {
	*memory.Store
	mu      sync.Mutex
	read    chan struct{}
	release chan struct{}
}

func (p *pausingStore) arm() (read, release chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.read, p.release = make(chan struct{}), make(chan struct{})
	return p.read, p.release
}

func (p *pausingStore) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := p.Store.GetJob(ctx, jobID)
	p.mu.Lock()
	read, release := p.read, p.release
	p.read, p.release = nil, nil
	p.mu.Unlock()
	if read != nil {
		close(read)
		<-release
	}
	return j, err
}

func TestCancel_RacingCompletionKeepsCompleted(t *testing.T) {
	var ps *pausingStore
	h := newWrappedHarness(t, testConfig(), func(s *memory.Store) runner.Store {
		ps = &pausingStore{Store: s}
		return ps
	})
	ctx := context.Background()
	j := h.seed(t, 3)

	read, release := ps.arm()
	cancelErr := make(chan error, 1)
	go func() { cancelErr <- h.run.Cancel(ctx, j.ID) }()
	<-read // Cancel has seen the job as pending

	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	close(release)

	if err := <-cancelErr; !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("Cancel: err = %v, want ErrInvalidState", err)
	}
	got := h.job(t, j.ID)
	if got.Status != job.StatusCompleted || got.Cancel {
		t.Errorf("status=%q cancel=%v, want completed without cancel", got.Status, got.Cancel)
	}
	if h.tr.SentCount() != 3 {
		t.Errorf("sent = %d, want 3", h.tr.SentCount())
	}
	if h.rec.count("completed") != 1 || h.rec.count("cancelled") != 0 || h.rec.terminal() != 1 {
		t.Errorf("events = %v, want exactly one completed", h.rec.counts)
	}
}

func TestCancel_DuringLastBatchCompletesOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 3)

	h.rec.onCommit = func(ctx context.Context, _ *job.Job, _ string) {
		if err := h.run.Cancel(ctx, j.ID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
	}
	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := h.job(t, j.ID)
	if got.Status != job.StatusCompleted || !got.Cancel {
		t.Errorf("status=%q cancel=%v, want completed with the late request recorded", got.Status, got.Cancel)
	}
	if h.rec.terminal() != 1 || h.rec.count("completed") != 1 {
		t.Errorf("events = %v", h.rec.counts)
	}
	if err := h.run.Cancel(ctx, j.ID); !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("Cancel after completion: err = %v, want ErrInvalidState", err)
	}
}

func TestCancel_NotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	if err := h.run.Cancel(context.Background(), id.NewJobID()); !errors.Is(err, appointflow.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// RetryFailed
// ──────────────────────────────────────────────────

func TestRetryFailed(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 60)

	h.tr.FailFor("user2@example.com", transport.Transient(errors.New("timeout")))
	h.tr.FailFor("user55@example.com", transport.Transient(errors.New("429")))
	h.tr.FailFor("user9@example.com", transport.Permanent(errors.New("hard bounce")))

	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	h.tr.FailFor("user2@example.com", nil)
	h.tr.FailFor("user55@example.com", nil)

	if _, err := h.run.RetryFailed(ctx, id.NewJobID()); !errors.Is(err, appointflow.ErrJobNotFound) {
		t.Errorf("missing parent: err = %v", err)
	}

	followUp, err := h.run.RetryFailed(ctx, j.ID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	h.run.Wait()

	fj := h.job(t, followUp)
	if fj.ParentJobID.String() != j.ID.String() {
		t.Errorf("parent = %s, want %s", fj.ParentJobID, j.ID)
	}
	if fj.Kind != j.Kind || fj.Payload.Event.Title != j.Payload.Event.Title {
		t.Error("follow-up must keep kind and payload")
	}
	if len(fj.Recipients) != 2 || fj.Recipients[0].ID != "reg_002" || fj.Recipients[1].ID != "reg_055" {
		t.Fatalf("follow-up recipients = %+v", fj.Recipients)
	}
	if fj.Status != job.StatusCompleted {
		t.Errorf("follow-up status = %q", fj.Status)
	}
	if h.tr.SentTo("user2@example.com") != 1 || h.tr.SentTo("user9@example.com") != 0 {
		t.Error("only transient failures are re-sent")
	}
}

func TestRetryFailed_NothingToRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	j := h.seed(t, 5)

	if _, err := h.run.RetryFailed(ctx, j.ID); !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("pending job: err = %v, want ErrInvalidState", err)
	}
	if err := h.run.Execute(ctx, j.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := h.run.RetryFailed(ctx, j.ID); !errors.Is(err, appointflow.ErrNothingToRetry) {
		t.Errorf("clean job: err = %v, want ErrNothingToRetry", err)
	}
}

// ──────────────────────────────────────────────────
// Status / Close
// ──────────────────────────────────────────────────

func TestStatus_PartialProgress(t *testing.T) {
	cfg := testConfig()
	cfg.MaxJobRetries = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	j := h.seed(t, 60)

	// Batch 0 commits; batch 1 sends 3 then fails systemically.
	h.rec.onCommit = func(context.Context, *job.Job, string) {
		h.tr.FailNext(nil, nil, nil, transport.Systemic(errAuth))
	}
	_ = h.run.Execute(ctx, j.ID) //nolint:errcheck // failure asserted via status

	rep, err := h.run.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.Status != job.StatusFailed || rep.CompletedBatches != 1 || rep.TotalBatches != 2 {
		t.Fatalf("status=%q batches=%d/%d", rep.Status, rep.CompletedBatches, rep.TotalBatches)
	}
	b1 := rep.Batches[1]
	if b1.Status != ledger.StepFailed || b1.Sent != 3 || b1.LastError == "" {
		t.Errorf("batch 1 = %+v", b1)
	}
	if rep.Sent != 53 || len(rep.Outcomes) != 53 {
		t.Errorf("sent=%d outcomes=%d, want 53", rep.Sent, len(rep.Outcomes))
	}
}

func TestStatus_NotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.run.Status(context.Background(), id.NewJobID()); !errors.Is(err, appointflow.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestClose_LeavesJobResumable(t *testing.T) {
	cfg := testConfig()
	cfg.InterBatchDelay = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	committed := make(chan struct{}, 1)
	h.rec.onCommit = func(context.Context, *job.Job, string) {
		select {
		case committed <- struct{}{}:
		default:
		}
	}
	jobID, err := h.run.Submit(ctx, job.KindReminder, reminderPayload(), recipients(60))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-committed

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.run.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := h.job(t, jobID).Status; got != job.StatusRunning {
		t.Errorf("status = %q, want running", got)
	}
	if h.rec.terminal() != 0 {
		t.Error("no terminal event expected on shutdown")
	}
}
