package ledger

import (
	"context"

	"github.com/zakinabdul/appointflow/id"
)

// Store defines the persistence contract for the step ledger.
type Store interface {
	// TryBegin is the idempotency gate. If the step already succeeded it
	// returns the step with done=true and leaves it untouched. Otherwise it
	// creates the step if needed, increments Attempts, and returns done=false.
	TryBegin(ctx context.Context, jobID id.JobID, stepName string) (step *Step, done bool, err error)

	// Commit records a successful result. It is write-once: if the step
	// already succeeded it returns appointflow.ErrStepAlreadyCommitted.
	Commit(ctx context.Context, jobID id.JobID, stepName string, result StepResult) error

	// Fail marks the latest attempt as failed. It never downgrades a
	// succeeded step.
	Fail(ctx context.Context, jobID id.JobID, stepName string, reason string) error

	// SavePartial merges Sent outcomes from an aborted attempt into the
	// step's partial progress (see MergePartial).
	SavePartial(ctx context.Context, jobID id.JobID, stepName string, sent []Outcome) error

	// GetStep retrieves a step. Returns appointflow.ErrStepNotFound if the
	// step was never begun.
	GetStep(ctx context.Context, jobID id.JobID, stepName string) (*Step, error)

	// ListSteps returns all steps for a job in creation order.
	ListSteps(ctx context.Context, jobID id.JobID) ([]*Step, error)
}
