package dlq

import (
	"context"
	"time"

	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

// Resumer re-enters a job at its first uncommitted batch step.
type Resumer interface {
	Resume(ctx context.Context, jobID id.JobID) error
}

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store   Store
	resumer Resumer
}

// NewService creates a DLQ service. The resumer may be attached later
// with SetResumer, since the runner itself depends on the service.
func NewService(store Store, resumer Resumer) *Service {
	return &Service{store: store, resumer: resumer}
}

// SetResumer sets the component Replay hands jobs back to.
func (s *Service) SetResumer(r Resumer) { s.resumer = r }

// Push records j as dead-lettered at stepName after attempts tries.
func (s *Service) Push(ctx context.Context, j *job.Job, stepName string, attempts int, cause error) error {
	now := time.Now().UTC()
	return s.store.PushDLQ(ctx, &Entry{
		ID:         id.NewDLQID(),
		JobID:      j.ID,
		Kind:       j.Kind,
		StepName:   stepName,
		Error:      cause.Error(),
		Attempts:   attempts,
		Recipients: len(j.Recipients),
		FailedAt:   now,
		CreatedAt:  now,
	})
}

// DLQStore returns the underlying store for List, Get, Purge and Count.
func (s *Service) DLQStore() Store {
	return s.store
}
