package dlq

import (
	"time"

	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

// Entry represents a job whose batch step exhausted its retry budget.
type Entry struct {
	ID         id.DLQID   `json:"id"`
	JobID      id.JobID   `json:"job_id"`
	Kind       job.Kind   `json:"kind"`
	StepName   string     `json:"step_name"`
	Error      string     `json:"error"`
	Attempts   int        `json:"attempts"`
	Recipients int        `json:"recipients"`
	FailedAt   time.Time  `json:"failed_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
