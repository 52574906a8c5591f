package audithook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	ah "github.com/zakinabdul/appointflow/audithook"
	"github.com/zakinabdul/appointflow/ext"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// ── Mock recorder ────────────────────────────────────

type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:         id.NewJobID(),
		Kind:       job.KindReminder,
		Payload:    job.Payload{Event: job.EventSnapshot{ID: "evt_7", Title: "Go Meetup"}},
		Recipients: make([]job.Recipient, 120),
		BatchSize:  50,
	}
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

func TestExtension_JobSubmitted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()

	if err := e.OnJobSubmitted(context.Background(), j); err != nil {
		t.Fatalf("OnJobSubmitted: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionJobSubmitted {
		t.Errorf("Action: want %q, got %q", ah.ActionJobSubmitted, evt.Action)
	}
	if evt.Resource != ah.ResourceJob || evt.Category != ah.CategoryJob {
		t.Errorf("Resource/Category: got %q/%q", evt.Resource, evt.Category)
	}
	if evt.ResourceID != j.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", j.ID.String(), evt.ResourceID)
	}
	if evt.Severity != ah.SeverityInfo || evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Severity/Outcome: got %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Metadata["recipients"] != 120 {
		t.Errorf("Metadata[recipients]: want 120, got %v", evt.Metadata["recipients"])
	}
	if evt.Metadata["kind"] != "reminder" || evt.Metadata["event_id"] != "evt_7" {
		t.Errorf("Metadata kind/event_id: got %v/%v", evt.Metadata["kind"], evt.Metadata["event_id"])
	}
	if _, ok := evt.Metadata["parent_job_id"]; ok {
		t.Error("parent_job_id set on a job without a parent")
	}
}

func TestExtension_JobCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	elapsed := 150 * time.Millisecond

	if err := e.OnJobCompleted(context.Background(), newTestJob(), elapsed); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	evt := rec.last()
	if evt.Action != ah.ActionJobCompleted {
		t.Errorf("Action: want %q, got %q", ah.ActionJobCompleted, evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != elapsed.Milliseconds() {
		t.Errorf("Metadata[elapsed_ms]: want %d, got %v", elapsed.Milliseconds(), evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_FailureSeverities(t *testing.T) {
	boom := errors.New("brevo: 401 unauthorized")
	j := newTestJob()
	j.ParentJobID = id.NewJobID()

	tests := []struct {
		action   string
		emit     func(e *ah.Extension) error
		severity string
		outcome  string
		reason   string
	}{
		{ah.ActionJobFailed, func(e *ah.Extension) error { return e.OnJobFailed(context.Background(), j, boom) },
			ah.SeverityCritical, ah.OutcomeFailure, boom.Error()},
		{ah.ActionJobDLQ, func(e *ah.Extension) error { return e.OnJobDLQ(context.Background(), j, "send-batch-1", boom) },
			ah.SeverityCritical, ah.OutcomeFailure, boom.Error()},
		{ah.ActionJobCancelled, func(e *ah.Extension) error { return e.OnJobCancelled(context.Background(), j) },
			ah.SeverityWarning, ah.OutcomeSuccess, ""},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			rec := &mockRecorder{}
			if err := tt.emit(ah.New(rec)); err != nil {
				t.Fatalf("hook: %v", err)
			}
			evt := rec.last()
			if evt.Action != tt.action || evt.Severity != tt.severity || evt.Outcome != tt.outcome {
				t.Errorf("got %s/%s/%s", evt.Action, evt.Severity, evt.Outcome)
			}
			if evt.Reason != tt.reason {
				t.Errorf("Reason: want %q, got %q", tt.reason, evt.Reason)
			}
			if evt.Metadata["parent_job_id"] != j.ParentJobID.String() {
				t.Errorf("Metadata[parent_job_id]: got %v", evt.Metadata["parent_job_id"])
			}
		})
	}
}

func TestExtension_BatchEvents(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()
	step := ledger.StepName(2)

	result := ledger.StepResult{Sent: 18, PermanentFailures: 1, TransientFailures: 1}
	if err := e.OnBatchCommitted(context.Background(), j, step, result, time.Second); err != nil {
		t.Fatalf("OnBatchCommitted: %v", err)
	}
	evt := rec.last()
	if evt.Resource != ah.ResourceBatch || evt.ResourceID != j.ID.String()+"/"+step {
		t.Errorf("Resource: got %q %q", evt.Resource, evt.ResourceID)
	}
	if evt.Metadata["sent"] != 18 || evt.Metadata["transient_failures"] != 1 {
		t.Errorf("Metadata: %v", evt.Metadata)
	}

	if err := e.OnBatchFailed(context.Background(), j, step, 2, errors.New("down")); err != nil {
		t.Fatalf("OnBatchFailed: %v", err)
	}
	evt = rec.last()
	if evt.Action != ah.ActionBatchFailed || evt.Severity != ah.SeverityWarning || evt.Metadata["attempt"] != 2 {
		t.Errorf("batch failed event: %+v", evt)
	}
}

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobFailed))
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobSubmitted(ctx, j)
	_ = e.OnJobCompleted(ctx, j, time.Second)
	if rec.count() != 0 {
		t.Fatalf("disabled actions recorded: %d", rec.count())
	}
	_ = e.OnJobFailed(ctx, j, errors.New("x"))
	if rec.count() != 1 {
		t.Errorf("expected 1 event, got %d", rec.count())
	}
}

func TestRecorderFunc(t *testing.T) {
	var got string
	r := ah.RecorderFunc(func(_ context.Context, evt *ah.AuditEvent) error {
		got = evt.Action
		return nil
	})
	_ = ah.New(r).OnJobStarted(context.Background(), newTestJob())
	if got != ah.ActionJobStarted {
		t.Errorf("RecorderFunc saw %q", got)
	}
}

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	r := ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error { return errors.New("disk full") })
	e := ah.New(r, ah.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := e.OnJobFailed(context.Background(), newTestJob(), errors.New("x")); err != nil {
		t.Errorf("recorder error propagated: %v", err)
	}
}

func TestSlogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := ah.New(ah.NewSlogRecorder(logger))
	j := newTestJob()

	if err := e.OnJobDLQ(context.Background(), j, "send-batch-0", errors.New("auth failed")); err != nil {
		t.Fatalf("OnJobDLQ: %v", err)
	}

	var line struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
		Audit struct {
			Action     string         `json:"action"`
			ResourceID string         `json:"resource_id"`
			Reason     string         `json:"reason"`
			Metadata   map[string]any `json:"metadata"`
		} `json:"audit"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if line.Level != "ERROR" || line.Msg != "audit" {
		t.Errorf("level/msg = %s/%s", line.Level, line.Msg)
	}
	if line.Audit.Action != ah.ActionJobDLQ || line.Audit.ResourceID != j.ID.String() || line.Audit.Reason != "auth failed" {
		t.Errorf("audit = %+v", line.Audit)
	}
	if line.Audit.Metadata["step_name"] != "send-batch-0" {
		t.Errorf("metadata = %v", line.Audit.Metadata)
	}
}

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.Register(ah.New(rec))

	j := newTestJob()
	reg.EmitJobSubmitted(context.Background(), j)
	reg.EmitBatchCommitted(context.Background(), j, ledger.StepName(0), ledger.StepResult{Sent: 50}, time.Second)
	reg.EmitJobCompleted(context.Background(), j, time.Second)

	if rec.count() != 3 {
		t.Errorf("expected 3 events, got %d", rec.count())
	}
}

func TestAllActions(t *testing.T) {
	if got := len(ah.AllActions()); got != 8 {
		t.Errorf("AllActions: want 8, got %d", got)
	}
}
