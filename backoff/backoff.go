// Package backoff computes delays between attempts of a batch step and
// bounds how many attempts a step gets.
//
// Strategies are stateless and safe for concurrent use. A [Policy] pairs a
// strategy with an attempt ceiling and decides which errors are retryable.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	// Retry 1 follows the first failed attempt.
	Delay(retry int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy. NewConstant(0) retries
// immediately, which is what most tests want.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay on every retry.
// Delay = min(Initial * 2^(n-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(n-1), capped at Max.
func (e *Exponential) Delay(retry int) time.Duration {
	return time.Duration(capped(e.Initial, e.Max, retry))
}

// ExponentialWithJitter applies full jitter to an exponential base:
// a random value in [0, min(Initial * 2^(n-1), Max)]. Runners restarted
// together after an outage do not hit the provider in lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(n-1), Max)].
func (e *ExponentialWithJitter) Delay(retry int) time.Duration {
	return time.Duration(rand.Float64() * capped(e.Initial, e.Max, retry)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func capped(initial, maxDelay time.Duration, retry int) float64 {
	if retry < 1 {
		retry = 1
	}
	d := float64(initial) * math.Pow(2, float64(retry-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return d
}

// DefaultStrategy returns exponential backoff starting at base and capped
// at maxDelay, without jitter.
func DefaultStrategy(base, maxDelay time.Duration) Strategy {
	return NewExponential(base, maxDelay)
}
