package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/middleware"
	"github.com/zakinabdul/appointflow/transport"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDelivery() *middleware.Delivery {
	return &middleware.Delivery{
		JobID:     id.NewJobID(),
		Kind:      job.KindReminder,
		StepName:  "send-batch-2",
		Attempt:   1,
		Recipient: job.Recipient{ID: "reg_7", Email: "grace@example.com", Name: "Grace"},
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *middleware.Delivery, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}
	mw2 := func(ctx context.Context, _ *middleware.Delivery, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	err := chain(context.Background(), newDelivery(), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), newDelivery(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	want := errors.New("handler error")
	err := middleware.Chain(middleware.Logging(silentLogger()))(context.Background(), newDelivery(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_PanicIsPermanent(t *testing.T) {
	mw := middleware.Recover(silentLogger())

	err := mw(context.Background(), newDelivery(), func(_ context.Context) error {
		panic("template exploded")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if transport.ClassOf(err) != transport.ClassPermanent {
		t.Errorf("class = %v, want permanent", transport.ClassOf(err))
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(silentLogger())
	called := false
	err := mw(context.Background(), newDelivery(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func TestTimeout_SetsDeadline(t *testing.T) {
	mw := middleware.Timeout(20 * time.Millisecond)

	err := mw(context.Background(), newDelivery(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected deadline on context")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if transport.ClassOf(err) != transport.ClassTransient {
		t.Errorf("timeout should classify as transient")
	}
}

func TestTimeout_ZeroDisables(t *testing.T) {
	mw := middleware.Timeout(0)
	_ = mw(context.Background(), newDelivery(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline")
		}
		return nil
	})
}

func TestRateLimit_Waits(t *testing.T) {
	l := rate.NewLimiter(rate.Every(30*time.Millisecond), 1)
	mw := middleware.RateLimit(l)
	noop := func(_ context.Context) error { return nil }

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := mw(context.Background(), newDelivery(), noop); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("3 calls at 1 per 30ms took %v, expected at least ~60ms", elapsed)
	}
}

func TestRateLimit_CancelledContextIsTransient(t *testing.T) {
	l := rate.NewLimiter(rate.Every(time.Hour), 1)
	l.Allow() // drain the only token

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := middleware.RateLimit(l)(ctx, newDelivery(), func(_ context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("handler should not run without a token")
	}
	if transport.ClassOf(err) != transport.ClassTransient {
		t.Errorf("class = %v, want transient", transport.ClassOf(err))
	}
}
