package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zakinabdul/appointflow/batch"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// SystemicError reports that a batch attempt was aborted because the
// transport failed as a whole.
type SystemicError struct {
	StepName string
	Err      error
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("%s: systemic transport failure: %v", e.StepName, e.Err)
}

func (e *SystemicError) Unwrap() error { return e.Err }

// IsSystemic reports whether err is (or wraps) a SystemicError.
func IsSystemic(err error) bool {
	var se *SystemicError
	return errors.As(err, &se)
}

// Pool executes the recipients of one batch with bounded concurrency.
type Pool struct {
	executor    *Executor
	concurrency int
	logger      *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the maximum number of sends in flight.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewPool creates a pool around executor.
func NewPool(executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		executor:    executor,
		concurrency: 10,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Concurrency returns the configured ceiling.
func (p *Pool) Concurrency() int { return p.concurrency }

// ExecuteBatch sends to every recipient of b except those in skip, and
// returns one outcome per attempted recipient in batch order.
//
// Sends run detached from ctx cancellation so a batch that has started is
// allowed to finish; each send is still bounded by the middleware chain.
// When any send fails systemically no further sends are started, the
// in-flight ones are awaited, and the outcomes collected so far are
// returned together with a *SystemicError.
func (p *Pool) ExecuteBatch(
	ctx context.Context,
	j *job.Job,
	b batch.Batch,
	attempt int,
	skip map[string]struct{},
) ([]ledger.Outcome, error) {
	sendCtx := context.WithoutCancel(ctx)
	results := make([]*ledger.Outcome, len(b.Recipients))

	var (
		g        errgroup.Group
		aborted  atomic.Bool
		firstErr error
		once     sync.Once
	)
	g.SetLimit(p.concurrency)

	for i, r := range b.Recipients {
		if _, ok := skip[r.ID]; ok {
			continue
		}
		if aborted.Load() {
			break
		}
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			o, err := p.executor.Deliver(sendCtx, j, b.StepName, attempt, r)
			if err != nil {
				aborted.Store(true)
				once.Do(func() { firstErr = err })
				return nil
			}
			results[i] = &o
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	outcomes := make([]ledger.Outcome, 0, len(results))
	for _, o := range results {
		if o != nil {
			outcomes = append(outcomes, *o)
		}
	}

	if firstErr != nil {
		p.logger.Warn("batch aborted on systemic failure",
			slog.String("job_id", j.ID.String()),
			slog.String("step", b.StepName),
			slog.Int("attempt", attempt),
			slog.Int("completed", len(outcomes)),
			slog.String("error", firstErr.Error()),
		)
		return outcomes, &SystemicError{StepName: b.StepName, Err: firstErr}
	}
	return outcomes, nil
}
