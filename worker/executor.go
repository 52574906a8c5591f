// Package worker is the dispatch worker pool. An Executor performs one
// recipient's render+send through the middleware chain and classifies the
// result. A Pool fans a batch out over a bounded number of goroutines and
// joins on every outcome before returning.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
	"github.com/zakinabdul/appointflow/middleware"
	"github.com/zakinabdul/appointflow/render"
	"github.com/zakinabdul/appointflow/transport"
)

// Executor renders and sends a message to a single recipient.
type Executor struct {
	transport   transport.Transport
	renderer    render.Renderer
	frontendURL string
	mw          middleware.Middleware
	logger      *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	tr transport.Transport,
	renderer render.Renderer,
	frontendURL string,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		transport:   tr,
		renderer:    renderer,
		frontendURL: frontendURL,
		mw:          middleware.Chain(mws...),
		logger:      logger,
	}
}

// Deliver sends j's message to r and returns the recipient's outcome.
// Permanent and transient failures are reported in the outcome only. A
// systemic failure is also returned as the error so the pool can abort
// the batch.
func (e *Executor) Deliver(ctx context.Context, j *job.Job, stepName string, attempt int, r job.Recipient) (ledger.Outcome, error) {
	d := &middleware.Delivery{
		JobID:     j.ID,
		Kind:      j.Kind,
		StepName:  stepName,
		Attempt:   attempt,
		Recipient: r,
	}

	terminal := func(ctx context.Context) error {
		rc, err := render.BuildContext(j.Kind, j.Payload, r, e.frontendURL)
		if err != nil {
			return transport.Permanent(err)
		}
		subject, body, err := e.renderer.Render(j.Kind, rc)
		if err != nil {
			return transport.Permanent(fmt.Errorf("render: %w", err))
		}
		msgID, err := e.transport.Send(ctx, transport.Message{
			To:       r.Email,
			ToName:   r.Name,
			Subject:  subject,
			HTMLBody: body,
			Tags:     []string{string(j.Kind)},
		})
		if err != nil {
			return err
		}
		d.MessageID = msgID
		return nil
	}

	err := e.mw(ctx, d, terminal)

	o := ledger.Outcome{
		RecipientID: r.ID,
		Email:       r.Email,
		Attempt:     attempt,
		At:          time.Now().UTC(),
	}
	switch transport.ClassOf(err) {
	case transport.ClassNone:
		o.Status = ledger.OutcomeSent
		o.ProviderMessageID = d.MessageID
		return o, nil
	case transport.ClassPermanent:
		o.Status = ledger.OutcomePermanentFailure
	case transport.ClassSystemic:
		o.Status = ledger.OutcomeTransientFailure
		o.ErrorDetail = err.Error()
		return o, err
	default:
		o.Status = ledger.OutcomeTransientFailure
	}
	o.ErrorDetail = err.Error()
	return o, nil
}
