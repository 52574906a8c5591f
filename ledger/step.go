package ledger

import (
	"fmt"
	"time"

	"github.com/zakinabdul/appointflow/id"
)

// StepStatus is the execution state of a batch step.
type StepStatus string

const (
	// StepNotStarted means no attempt has committed or failed yet.
	StepNotStarted StepStatus = "not_started"
	// StepSucceeded means the result is committed and immutable.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the latest attempt aborted on a systemic error.
	StepFailed StepStatus = "failed"
)

// OutcomeStatus classifies a single recipient's send attempt.
type OutcomeStatus string

const (
	OutcomeSent             OutcomeStatus = "sent"
	OutcomePermanentFailure OutcomeStatus = "permanent_failure"
	OutcomeTransientFailure OutcomeStatus = "transient_failure"
)

// Outcome is the result of one send attempt to one recipient.
type Outcome struct {
	RecipientID       string        `json:"recipient_id"`
	Email             string        `json:"email"`
	Status            OutcomeStatus `json:"status"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ErrorDetail       string        `json:"error_detail,omitempty"`
	Attempt           int           `json:"attempt"`
	At                time.Time     `json:"at"`
}

// StepResult is the memoized result of a committed batch step.
type StepResult struct {
	Sent              int       `json:"sent"`
	PermanentFailures int       `json:"permanent_failures"`
	TransientFailures int       `json:"transient_failures"`
	Outcomes          []Outcome `json:"outcomes"`
}

// NewStepResult tallies outcomes into a StepResult.
func NewStepResult(outcomes []Outcome) StepResult {
	r := StepResult{Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeSent:
			r.Sent++
		case OutcomePermanentFailure:
			r.PermanentFailures++
		case OutcomeTransientFailure:
			r.TransientFailures++
		}
	}
	return r
}

// Step is the ledger record for one batch of one job.
type Step struct {
	ID          id.StepID   `json:"id"`
	JobID       id.JobID    `json:"job_id"`
	Name        string      `json:"name"`
	Status      StepStatus  `json:"status"`
	Attempts    int         `json:"attempts"`
	Result      *StepResult `json:"result,omitempty"`
	Partial     []Outcome   `json:"partial,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CommittedAt *time.Time  `json:"committed_at,omitempty"`
}

// Done reports whether the step has a committed result.
func (s *Step) Done() bool { return s != nil && s.Status == StepSucceeded }

// StepName returns the stable step name for a batch index. Names depend
// only on the index; the ledger key also carries the job ID.
func StepName(batchIndex int) string {
	return fmt.Sprintf("send-batch-%d", batchIndex)
}

// MergePartial adds Sent outcomes from next into prior, keeping the first
// Sent outcome seen for each recipient.
func MergePartial(prior, next []Outcome) []Outcome {
	seen := make(map[string]struct{}, len(prior))
	out := make([]Outcome, 0, len(prior)+len(next))
	for _, o := range prior {
		if o.Status != OutcomeSent {
			continue
		}
		if _, ok := seen[o.RecipientID]; ok {
			continue
		}
		seen[o.RecipientID] = struct{}{}
		out = append(out, o)
	}
	for _, o := range next {
		if o.Status != OutcomeSent {
			continue
		}
		if _, ok := seen[o.RecipientID]; ok {
			continue
		}
		seen[o.RecipientID] = struct{}{}
		out = append(out, o)
	}
	return out
}
