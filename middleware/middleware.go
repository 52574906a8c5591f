package middleware

import (
	"context"

	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

// Delivery describes one recipient send inside a batch step attempt.
// The terminal handler sets MessageID on success.
type Delivery struct {
	JobID     id.JobID
	Kind      job.Kind
	StepName  string
	Attempt   int
	Recipient job.Recipient
	MessageID string
}

// Handler is the terminal function that renders and sends.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the delivery being made, and the
// next handler to call.
type Middleware func(ctx context.Context, d *Delivery, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// The first middleware in the list is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, d *Delivery, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, d, prev)
			}
		}
		return h(ctx)
	}
}
