// Package transport defines the outbound email transport contract and the
// error classification the dispatch engine relies on.
//
// Every error returned by a Transport is mapped to an [ErrorClass]:
//
//   - Permanent: this recipient will never succeed (bad address, rejected content).
//   - Transient: this attempt failed but a later one may succeed (timeout, 429, 5xx).
//   - Systemic: the transport as a whole is unusable (auth failure, outage).
//
// Permanent and transient errors are per-recipient and recorded as outcomes.
// A systemic error aborts the whole batch so the runner can retry it.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// Message is a fully rendered email.
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
	// Tags are forwarded to providers that support them (e.g. job ID).
	Tags []string
}

// Transport sends a single message and returns the provider message ID.
type Transport interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// Func adapts an ordinary function to Transport.
type Func func(ctx context.Context, msg Message) (string, error)

// Send implements Transport.
func (f Func) Send(ctx context.Context, msg Message) (string, error) { return f(ctx, msg) }

// ErrorClass classifies a send error.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassPermanent
	ClassTransient
	ClassSystemic
)

// String returns the lower-case class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassPermanent:
		return "permanent"
	case ClassTransient:
		return "transient"
	case ClassSystemic:
		return "systemic"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error is a classified transport error.
type Error struct {
	Class ErrorClass
	// Code is a provider-specific code, e.g. the HTTP status or error code.
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport %s error (%s): %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent error.
func Permanent(err error) error { return &Error{Class: ClassPermanent, Err: err} }

// Transient wraps err as a transient error.
func Transient(err error) error { return &Error{Class: ClassTransient, Err: err} }

// Systemic wraps err as a systemic error.
func Systemic(err error) error { return &Error{Class: ClassSystemic, Err: err} }

// ClassOf classifies err. Unclassified errors, including timeouts and
// network errors, are treated as transient: the recipient is reported as
// failed for this attempt and the operator may re-trigger a follow-up
// dispatch.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassSystemic
	}
	return ClassTransient
}
