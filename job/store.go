package job

import (
	"context"
	"time"

	"github.com/zakinabdul/appointflow/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs.
type Store interface {
	// CreateJob persists a new job. Returns ErrJobAlreadyExists on a
	// duplicate ID.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists status, error, cancel flag and timestamps, but
	// only while the stored status still equals from. Otherwise it returns
	// ErrJobConflict and writes nothing. The cancel flag can be set but
	// never cleared. The recipient list and payload are never rewritten.
	UpdateJob(ctx context.Context, j *Job, from Status) error

	// RequestCancel sets the cancel flag of a job that has not reached a
	// terminal status. It touches nothing else and returns ErrInvalidState
	// for a terminal job.
	RequestCancel(ctx context.Context, jobID id.JobID) error

	// CountJobs counts jobs in status, or all jobs when status is empty.
	CountJobs(ctx context.Context, status Status) (int64, error)

	// ListJobs returns jobs ordered by creation time, oldest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// PurgeJobs removes terminal jobs completed before the given time,
	// along with their ledger steps. Returns the number of jobs removed.
	PurgeJobs(ctx context.Context, before time.Time) (int64, error)
}
