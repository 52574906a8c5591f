package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker around a transport.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string
	// ConsecutiveFailures trips the breaker after this many transient or
	// systemic failures in a row. Permanent failures never count.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// MaxRequests is the number of probe requests allowed while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counters periodically. Zero never clears.
	Interval time.Duration
}

// DefaultBreakerConfig returns the breaker settings used by the daemon.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "email-transport",
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// Breaker wraps a Transport with a circuit breaker. While the breaker is
// open every send fails fast with a systemic error, which turns a provider
// outage into a batch-level retry instead of a batch full of transient
// per-recipient failures.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Transport, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			c := ClassOf(err)
			return c == ClassNone || c == ClassPermanent
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("transport circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Send implements Transport.
func (b *Breaker) Send(ctx context.Context, msg Message) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, msg)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests { //nolint:errorlint // sentinel identity
			return "", &Error{Class: ClassSystemic, Code: "circuit_open", Err: err}
		}
		return "", err
	}
	msgID, _ := res.(string)
	return msgID, nil
}

// State returns the current breaker state name.
func (b *Breaker) State() string { return b.cb.State().String() }
