package ext_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zakinabdul/appointflow/ext"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobSubmitted")
	return nil
}

func (e *allHooksExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobStarted")
	return nil
}

func (e *allHooksExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

func (e *allHooksExt) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

func (e *allHooksExt) OnJobCancelled(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobCancelled")
	return nil
}

func (e *allHooksExt) OnJobDLQ(_ context.Context, _ *job.Job, _ string, _ error) error {
	e.calls = append(e.calls, "OnJobDLQ")
	return nil
}

func (e *allHooksExt) OnBatchCommitted(_ context.Context, _ *job.Job, _ string, _ ledger.StepResult, _ time.Duration) error {
	e.calls = append(e.calls, "OnBatchCommitted")
	return nil
}

func (e *allHooksExt) OnBatchFailed(_ context.Context, _ *job.Job, _ string, _ int, _ error) error {
	e.calls = append(e.calls, "OnBatchFailed")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// terminalOnlyExt only implements terminal job hooks.
type terminalOnlyExt struct {
	calls []string
}

func (e *terminalOnlyExt) Name() string { return "terminal-only" }

func (e *terminalOnlyExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobSubmitted")
	return nil
}

func (e *terminalOnlyExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	all := &allHooksExt{}
	to := &terminalOnlyExt{}
	r.Register(all)
	r.Register(to)

	ctx := context.Background()
	j := &job.Job{Kind: job.KindReminder}

	r.EmitJobSubmitted(ctx, j)
	if len(all.calls) != 1 || len(to.calls) != 1 {
		t.Fatalf("both should see OnJobSubmitted: all=%v to=%v", all.calls, to.calls)
	}

	r.EmitJobStarted(ctx, j)
	if len(all.calls) != 2 || all.calls[1] != "OnJobStarted" {
		t.Fatalf("all: expected OnJobStarted as 2nd, got %v", all.calls)
	}
	if len(to.calls) != 1 {
		t.Fatalf("terminal-only should still have 1 call, got %v", to.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	j := &job.Job{Kind: job.KindBroadcast}
	res := ledger.NewStepResult(nil)

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitBatchFailed(ctx, j, ledger.StepName(0), 1, errors.New("503"))
	r.EmitBatchCommitted(ctx, j, ledger.StepName(0), res, time.Second)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("fail"))
	r.EmitJobCancelled(ctx, j)
	r.EmitJobDLQ(ctx, j, ledger.StepName(1), errors.New("dlq"))
	r.EmitShutdown(ctx)

	expected := []string{
		"OnJobSubmitted", "OnJobStarted", "OnBatchFailed", "OnBatchCommitted",
		"OnJobCompleted", "OnJobFailed", "OnJobCancelled", "OnJobDLQ", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	all := &allHooksExt{}
	r.Register(&failingExt{})
	r.Register(all)

	ctx := context.Background()
	r.EmitJobSubmitted(ctx, &job.Job{})
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 {
		t.Fatalf("all: expected both hooks despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()
	j := &job.Job{}

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("x"))
	r.EmitJobCancelled(ctx, j)
	r.EmitJobDLQ(ctx, j, "s", errors.New("x"))
	r.EmitBatchCommitted(ctx, j, "s", ledger.StepResult{}, time.Second)
	r.EmitBatchFailed(ctx, j, "s", 1, errors.New("x"))
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	var order []string
	r.Register(orderExt{name: "first", order: &order})
	r.Register(orderExt{name: "second", order: &order})

	r.EmitJobCompleted(context.Background(), &job.Job{}, 0)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}

type orderExt struct {
	name  string
	order *[]string
}

func (e orderExt) Name() string { return e.name }

func (e orderExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	*e.order = append(*e.order, e.name)
	return nil
}

func TestRegistry_HookFailureLogAttrs(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewJSONHandler(&buf, nil)))
	r.Register(&failingExt{})

	j := &job.Job{ID: id.NewJobID()}
	r.EmitJobSubmitted(context.Background(), j)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"level":     "WARN",
		"event":     "job.submitted",
		"extension": "failing",
		"error":     "boom",
		"job_id":    j.ID.String(),
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %q", k, rec[k], v)
		}
	}
}
