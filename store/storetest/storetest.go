// Package storetest is a conformance suite every store backend runs from
// its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
	"github.com/zakinabdul/appointflow/store"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the full conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("JobCRUD", func(t *testing.T) { testJobCRUD(t, newStore(t)) })
	t.Run("JobUpdateKeepsRecipients", func(t *testing.T) { testJobUpdate(t, newStore(t)) })
	t.Run("JobUpdateIsConditional", func(t *testing.T) { testJobUpdateConditional(t, newStore(t)) })
	t.Run("RequestCancel", func(t *testing.T) { testRequestCancel(t, newStore(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("CountJobs", func(t *testing.T) { testCountJobs(t, newStore(t)) })
	t.Run("PurgeJobs", func(t *testing.T) { testPurgeJobs(t, newStore(t)) })
	t.Run("LedgerLifecycle", func(t *testing.T) { testLedgerLifecycle(t, newStore(t)) })
	t.Run("LedgerFailAndPartial", func(t *testing.T) { testLedgerFailAndPartial(t, newStore(t)) })
	t.Run("LedgerConcurrentCommit", func(t *testing.T) { testConcurrentCommit(t, newStore(t)) })
	t.Run("LedgerUncommittedStepIsShared", func(t *testing.T) { testUncommittedStepShared(t, newStore(t)) })
	t.Run("DLQ", func(t *testing.T) { testDLQ(t, newStore(t)) })
}

// NewJob builds a pending job with n recipients.
func NewJob(n int) *job.Job {
	rs := make([]job.Recipient, n)
	for i := range rs {
		rs[i] = job.Recipient{
			ID:    fmt.Sprintf("reg_%03d", i),
			Email: fmt.Sprintf("user%d@example.com", i),
			Name:  fmt.Sprintf("User %d", i),
		}
	}
	if n > 0 {
		rs[0].Vars = map[string]string{"ticket": "VIP"}
	}
	return &job.Job{
		Entity: appointflow.NewEntity(),
		ID:     id.NewJobID(),
		Kind:   job.KindReminder,
		Payload: job.Payload{
			Event: job.EventSnapshot{
				ID: "evt_1", Title: "Go Meetup", Date: "March 6", Time: "18:00",
				Location: "Berlin", Type: job.EventOffline,
			},
			Params: job.TemplateParams{TimeBefore: "24 hours"},
		},
		Recipients: rs,
		BatchSize:  50,
		Status:     job.StatusPending,
	}
}

func sentOutcome(rid string, attempt int) ledger.Outcome {
	return ledger.Outcome{
		RecipientID:       rid,
		Email:             rid + "@example.com",
		Status:            ledger.OutcomeSent,
		ProviderMessageID: "msg-" + rid,
		Attempt:           attempt,
		At:                time.Now().UTC(),
	}
}

func testJobCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob(3)

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, appointflow.ErrJobAlreadyExists) {
		t.Errorf("duplicate CreateJob = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != j.ID || got.Kind != j.Kind || got.Status != job.StatusPending || got.BatchSize != 50 {
		t.Errorf("GetJob = %+v", got)
	}
	if got.Payload.Event.Title != "Go Meetup" || got.Payload.Params.TimeBefore != "24 hours" {
		t.Errorf("payload = %+v", got.Payload)
	}
	if len(got.Recipients) != 3 {
		t.Fatalf("recipients = %d, want 3", len(got.Recipients))
	}
	for i, r := range got.Recipients {
		if r.ID != j.Recipients[i].ID || r.Email != j.Recipients[i].Email {
			t.Errorf("recipient %d = %+v, order not preserved", i, r)
		}
	}
	if got.Recipients[0].Vars["ticket"] != "VIP" {
		t.Errorf("recipient vars = %v", got.Recipients[0].Vars)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, appointflow.ErrJobNotFound) {
		t.Errorf("GetJob(missing) = %v, want ErrJobNotFound", err)
	}
	missing := NewJob(1)
	if err := s.UpdateJob(ctx, missing, job.StatusPending); !errors.Is(err, appointflow.ErrJobNotFound) {
		t.Errorf("UpdateJob(missing) = %v, want ErrJobNotFound", err)
	}
}

func testJobUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob(2)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.Error = "401 unauthorized"
	j.Cancel = true
	j.StartedAt = &now
	j.CompletedAt = &now
	j.Recipients = nil
	if err := s.UpdateJob(ctx, j, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusFailed || got.Error != "401 unauthorized" || !got.Cancel {
		t.Errorf("updated job = %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not persisted")
	}
	if len(got.Recipients) != 2 {
		t.Errorf("UpdateJob must not change recipients, got %d", len(got.Recipients))
	}
}

func testJobUpdateConditional(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob(1)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now().UTC()
	done := j.Clone()
	done.Status = job.StatusCompleted
	done.CompletedAt = &now
	if err := s.UpdateJob(ctx, done, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob(pending -> completed): %v", err)
	}

	// A writer that still believes the job is pending must not win.
	stale := j.Clone()
	stale.Status = job.StatusCancelled
	stale.Cancel = true
	if err := s.UpdateJob(ctx, stale, job.StatusPending); !errors.Is(err, appointflow.ErrJobConflict) {
		t.Fatalf("stale UpdateJob = %v, want ErrJobConflict", err)
	}
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCompleted || got.Cancel {
		t.Errorf("stale write applied: status=%q cancel=%v", got.Status, got.Cancel)
	}
}

func testRequestCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob(1)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.RequestCancel(ctx, j.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	// A runner writing a copy read before the request keeps the flag.
	running := j.Clone()
	running.Status = job.StatusRunning
	if err := s.UpdateJob(ctx, running, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusRunning || !got.Cancel {
		t.Errorf("status=%q cancel=%v, want running with cancel set", got.Status, got.Cancel)
	}

	done := got.Clone()
	done.Status = job.StatusCompleted
	if err := s.UpdateJob(ctx, done, job.StatusRunning); err != nil {
		t.Fatalf("UpdateJob(running -> completed): %v", err)
	}
	if err := s.RequestCancel(ctx, j.ID); !errors.Is(err, appointflow.ErrInvalidState) {
		t.Errorf("RequestCancel(completed) = %v, want ErrInvalidState", err)
	}
	if err := s.RequestCancel(ctx, id.NewJobID()); !errors.Is(err, appointflow.ErrJobNotFound) {
		t.Errorf("RequestCancel(missing) = %v, want ErrJobNotFound", err)
	}
}

func testCountJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 5 {
		j := NewJob(3)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if i < 2 {
			j.Status = job.StatusCompleted
			if err := s.UpdateJob(ctx, j, job.StatusPending); err != nil {
				t.Fatalf("UpdateJob: %v", err)
			}
		}
	}

	for status, want := range map[job.Status]int64{
		"":                  5,
		job.StatusPending:   3,
		job.StatusCompleted: 2,
		job.StatusFailed:    0,
	} {
		got, err := s.CountJobs(ctx, status)
		if err != nil {
			t.Fatalf("CountJobs(%q): %v", status, err)
		}
		if got != want {
			t.Errorf("CountJobs(%q) = %d, want %d", status, got, want)
		}
	}
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	var ids []id.JobID
	for i := range 4 {
		j := NewJob(1)
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		j.UpdatedAt = j.CreatedAt
		if i%2 == 1 {
			j.Status = job.StatusRunning
		}
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		ids = append(ids, j.ID)
	}

	all, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("ListJobs = %d, want 4", len(all))
	}
	for i, j := range all {
		if j.ID != ids[i] {
			t.Errorf("ListJobs[%d] = %s, want oldest first", i, j.ID)
		}
	}

	running, err := s.ListJobs(ctx, job.ListOpts{Status: job.StatusRunning})
	if err != nil {
		t.Fatalf("ListJobs(running): %v", err)
	}
	if len(running) != 2 || running[0].ID != ids[1] || running[1].ID != ids[3] {
		t.Errorf("ListJobs(running) = %d jobs", len(running))
	}

	page, err := s.ListJobs(ctx, job.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs(page): %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[1] {
		t.Errorf("ListJobs(limit 2, offset 1) returned %d jobs", len(page))
	}
}

func testPurgeJobs(t *testing.T, s store.Store) {
	ctx := context.Background()

	done := NewJob(1)
	active := NewJob(1)
	for _, j := range []*job.Job{done, active} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if _, _, err := s.TryBegin(ctx, j.ID, ledger.StepName(0)); err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
	}
	done.Status = job.StatusCompleted
	if err := s.UpdateJob(ctx, done, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	active.Status = job.StatusRunning
	if err := s.UpdateJob(ctx, active, job.StatusPending); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	n, err := s.PurgeJobs(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeJobs = %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, done.ID); !errors.Is(err, appointflow.ErrJobNotFound) {
		t.Errorf("terminal job still present: %v", err)
	}
	if _, err := s.GetStep(ctx, done.ID, ledger.StepName(0)); !errors.Is(err, appointflow.ErrStepNotFound) {
		t.Errorf("purged job's step still present: %v", err)
	}
	if _, err := s.GetJob(ctx, active.ID); err != nil {
		t.Errorf("running job purged: %v", err)
	}
}

func testLedgerLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	jobID := id.NewJobID()
	name := ledger.StepName(0)

	if _, err := s.GetStep(ctx, jobID, name); !errors.Is(err, appointflow.ErrStepNotFound) {
		t.Errorf("GetStep before begin = %v, want ErrStepNotFound", err)
	}

	step, done, err := s.TryBegin(ctx, jobID, name)
	if err != nil {
		t.Fatalf("TryBegin: %v", err)
	}
	if done || step.Attempts != 1 || step.Name != name || step.JobID != jobID {
		t.Fatalf("first TryBegin = %+v done=%v", step, done)
	}
	step, done, err = s.TryBegin(ctx, jobID, name)
	if err != nil || done || step.Attempts != 2 {
		t.Fatalf("second TryBegin = %+v done=%v err=%v", step, done, err)
	}

	result := ledger.NewStepResult([]ledger.Outcome{
		sentOutcome("reg_001", 2),
		{RecipientID: "reg_002", Email: "b@example.com", Status: ledger.OutcomePermanentFailure, ErrorDetail: "bounce", Attempt: 2},
	})
	if err := s.Commit(ctx, jobID, name, result); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	step, done, err = s.TryBegin(ctx, jobID, name)
	if err != nil {
		t.Fatalf("TryBegin after commit: %v", err)
	}
	if !done || step.Status != ledger.StepSucceeded || step.Attempts != 2 {
		t.Fatalf("TryBegin after commit = %+v done=%v", step, done)
	}
	if step.Result == nil || step.Result.Sent != 1 || step.Result.PermanentFailures != 1 || len(step.Result.Outcomes) != 2 {
		t.Fatalf("memoized result = %+v", step.Result)
	}
	if step.Result.Outcomes[0].ProviderMessageID != "msg-reg_001" {
		t.Errorf("outcome = %+v", step.Result.Outcomes[0])
	}
	if step.CommittedAt == nil {
		t.Error("CommittedAt not set")
	}

	other := ledger.NewStepResult([]ledger.Outcome{sentOutcome("reg_999", 3)})
	if err := s.Commit(ctx, jobID, name, other); !errors.Is(err, appointflow.ErrStepAlreadyCommitted) {
		t.Fatalf("second Commit = %v, want ErrStepAlreadyCommitted", err)
	}
	if err := s.Fail(ctx, jobID, name, "late failure"); err != nil {
		t.Fatalf("Fail on committed step: %v", err)
	}
	got, err := s.GetStep(ctx, jobID, name)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != ledger.StepSucceeded || got.Result.Outcomes[0].RecipientID != "reg_001" {
		t.Errorf("committed step was overwritten: %+v", got)
	}

	if _, _, err := s.TryBegin(ctx, jobID, ledger.StepName(1)); err != nil {
		t.Fatalf("TryBegin step 1: %v", err)
	}
	steps, err := s.ListSteps(ctx, jobID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 || steps[0].Name != ledger.StepName(0) || steps[1].Name != ledger.StepName(1) {
		t.Errorf("ListSteps = %d steps", len(steps))
	}
	if steps, _ := s.ListSteps(ctx, id.NewJobID()); len(steps) != 0 {
		t.Errorf("ListSteps(unknown) = %d, want 0", len(steps))
	}
}

func testLedgerFailAndPartial(t *testing.T, s store.Store) {
	ctx := context.Background()
	jobID := id.NewJobID()
	name := ledger.StepName(3)

	if err := s.Fail(ctx, jobID, name, "x"); !errors.Is(err, appointflow.ErrStepNotFound) {
		t.Errorf("Fail before begin = %v, want ErrStepNotFound", err)
	}
	if _, _, err := s.TryBegin(ctx, jobID, name); err != nil {
		t.Fatalf("TryBegin: %v", err)
	}
	if err := s.SavePartial(ctx, jobID, name, []ledger.Outcome{sentOutcome("reg_001", 1), sentOutcome("reg_002", 1)}); err != nil {
		t.Fatalf("SavePartial: %v", err)
	}
	if err := s.Fail(ctx, jobID, name, "503 service unavailable"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	step, done, err := s.TryBegin(ctx, jobID, name)
	if err != nil || done {
		t.Fatalf("TryBegin after fail: done=%v err=%v", done, err)
	}
	if step.Attempts != 2 || step.LastError != "503 service unavailable" {
		t.Errorf("step = %+v", step)
	}
	if len(step.Partial) != 2 {
		t.Fatalf("partial = %d, want 2", len(step.Partial))
	}

	dup := sentOutcome("reg_002", 2)
	dup.ProviderMessageID = "msg-dup"
	if err := s.SavePartial(ctx, jobID, name, []ledger.Outcome{dup, sentOutcome("reg_003", 2)}); err != nil {
		t.Fatalf("SavePartial: %v", err)
	}
	got, err := s.GetStep(ctx, jobID, name)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if len(got.Partial) != 3 {
		t.Fatalf("partial = %d, want 3", len(got.Partial))
	}
	for _, o := range got.Partial {
		if o.RecipientID == "reg_002" && o.ProviderMessageID != "msg-reg_002" {
			t.Errorf("partial sent outcome replaced: %+v", o)
		}
	}

	if err := s.Commit(ctx, jobID, name, ledger.NewStepResult(got.Partial)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, _ = s.GetStep(ctx, jobID, name)
	if len(got.Partial) != 0 || got.LastError != "" {
		t.Errorf("commit should clear partial progress and last error: %+v", got)
	}
}

func testConcurrentCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	jobID := id.NewJobID()
	name := ledger.StepName(0)
	if _, _, err := s.TryBegin(ctx, jobID, name); err != nil {
		t.Fatalf("TryBegin: %v", err)
	}

	const racers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := ledger.NewStepResult([]ledger.Outcome{sentOutcome(fmt.Sprintf("racer_%d", i), 1)})
			err := s.Commit(ctx, jobID, name, res)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, appointflow.ErrStepAlreadyCommitted):
				losses++
			default:
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || losses != racers-1 {
		t.Errorf("wins=%d losses=%d, want exactly one committed result", wins, losses)
	}
}

// testUncommittedStepShared pins down the limit of the send-once guarantee:
// TryBegin does not lock a step, so two resuming processes may both send an
// uncommitted batch. Only the first Commit is kept.
func testUncommittedStepShared(t *testing.T, s store.Store) {
	ctx := context.Background()
	jobID := id.NewJobID()
	name := ledger.StepName(0)

	for i := range 2 {
		if _, done, err := s.TryBegin(ctx, jobID, name); err != nil || done {
			t.Fatalf("TryBegin #%d: done=%v err=%v", i+1, done, err)
		}
	}

	first := ledger.NewStepResult([]ledger.Outcome{sentOutcome("reg_001", 1)})
	if err := s.Commit(ctx, jobID, name, first); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	second := ledger.NewStepResult([]ledger.Outcome{sentOutcome("reg_001", 2)})
	if err := s.Commit(ctx, jobID, name, second); !errors.Is(err, appointflow.ErrStepAlreadyCommitted) {
		t.Fatalf("second Commit = %v, want ErrStepAlreadyCommitted", err)
	}

	step, done, err := s.TryBegin(ctx, jobID, name)
	if err != nil || !done {
		t.Fatalf("TryBegin after commit: done=%v err=%v", done, err)
	}
	if step.Result == nil || len(step.Result.Outcomes) != 1 || step.Result.Outcomes[0].Attempt != 1 {
		t.Errorf("kept result = %+v, want the first commit", step.Result)
	}
}

func testDLQ(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	var entries []*dlq.Entry
	for i := range 3 {
		e := &dlq.Entry{
			ID:         id.NewDLQID(),
			JobID:      id.NewJobID(),
			Kind:       job.KindBroadcast,
			StepName:   ledger.StepName(i),
			Error:      "401 unauthorized",
			Attempts:   3,
			Recipients: 120,
			FailedAt:   base.Add(time.Duration(i) * time.Minute),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ: %v", err)
		}
		entries = append(entries, e)
	}

	count, err := s.CountDLQ(ctx)
	if err != nil || count != 3 {
		t.Fatalf("CountDLQ = %d, %v", count, err)
	}

	got, err := s.GetDLQ(ctx, entries[1].ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.JobID != entries[1].JobID || got.StepName != "send-batch-1" || got.Attempts != 3 || got.Recipients != 120 {
		t.Errorf("GetDLQ = %+v", got)
	}
	if _, err := s.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, appointflow.ErrDLQNotFound) {
		t.Errorf("GetDLQ(missing) = %v, want ErrDLQNotFound", err)
	}

	if err := s.ReplayDLQ(ctx, entries[0].ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	if err := s.ReplayDLQ(ctx, id.NewDLQID()); !errors.Is(err, appointflow.ErrDLQNotFound) {
		t.Errorf("ReplayDLQ(missing) = %v, want ErrDLQNotFound", err)
	}

	list, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(list) != 3 || list[0].ID != entries[0].ID || list[0].ReplayedAt == nil {
		t.Fatalf("ListDLQ = %d entries", len(list))
	}
	pending, err := s.ListDLQ(ctx, dlq.ListOpts{PendingOnly: true})
	if err != nil {
		t.Fatalf("ListDLQ(pending): %v", err)
	}
	if len(pending) != 2 || pending[0].ID != entries[1].ID {
		t.Errorf("ListDLQ(pending) = %d entries", len(pending))
	}

	n, err := s.PurgeDLQ(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if n != 2 {
		t.Errorf("PurgeDLQ = %d, want 2", n)
	}
	if count, _ := s.CountDLQ(ctx); count != 1 {
		t.Errorf("CountDLQ after purge = %d, want 1", count)
	}
}
