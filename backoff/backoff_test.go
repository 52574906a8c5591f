package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zakinabdul/appointflow/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for retry := 1; retry <= 10; retry++ {
		if got := c.Delay(retry); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", retry, got, 5*time.Second)
		}
	}
}

func TestExponential_DoublesAndCaps(t *testing.T) {
	e := backoff.NewExponential(time.Second, 30*time.Second)

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Second)
	for retry := 1; retry <= 8; retry++ {
		upper := time.Duration(1<<uint(retry-1)) * time.Second
		if upper > 10*time.Second {
			upper = 10 * time.Second
		}
		for i := 0; i < 50; i++ {
			d := e.Delay(retry)
			if d < 0 || d > upper {
				t.Fatalf("Delay(%d) = %v, want in [0, %v]", retry, d, upper)
			}
		}
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	systemic := errors.New("systemic")
	other := errors.New("other")
	p := backoff.Policy{
		MaxAttempts: 3,
		Retryable:   func(err error) bool { return errors.Is(err, systemic) },
	}

	tests := []struct {
		attempt int
		err     error
		want    bool
	}{
		{1, systemic, true},
		{2, systemic, true},
		{3, systemic, false},
		{1, other, false},
		{1, nil, false},
	}
	for _, tt := range tests {
		if got := p.ShouldRetry(tt.attempt, tt.err); got != tt.want {
			t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
		}
	}
}

func TestPolicy_WaitHonoursContext(t *testing.T) {
	p := backoff.Policy{MaxAttempts: 2, Strategy: backoff.NewConstant(time.Hour)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Wait(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}

func TestPolicy_WaitSleeps(t *testing.T) {
	p := backoff.Policy{MaxAttempts: 2, Strategy: backoff.NewConstant(20 * time.Millisecond)}
	start := time.Now()
	if err := p.Wait(context.Background(), 1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Wait returned too early")
	}
}
