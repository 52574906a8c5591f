package runner

import (
	"context"
	"fmt"

	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// BatchProgress is the ledger view of one batch.
type BatchProgress struct {
	Index             int               `json:"index"`
	StepName          string            `json:"step_name"`
	Status            ledger.StepStatus `json:"status"`
	Recipients        int               `json:"recipients"`
	Attempts          int               `json:"attempts"`
	Sent              int               `json:"sent"`
	PermanentFailures int               `json:"permanent_failures"`
	TransientFailures int               `json:"transient_failures"`
	LastError         string            `json:"last_error,omitempty"`
}

// Report is the status of a job with per-batch progress and every
// recorded per-recipient outcome.
type Report struct {
	Job               *job.Job         `json:"job"`
	Status            job.Status       `json:"status"`
	TotalBatches      int              `json:"total_batches"`
	CompletedBatches  int              `json:"completed_batches"`
	Batches           []BatchProgress  `json:"batches"`
	Outcomes          []ledger.Outcome `json:"outcomes"`
	Sent              int              `json:"sent"`
	PermanentFailures int              `json:"permanent_failures"`
	TransientFailures int              `json:"transient_failures"`
}

// Status reports a job's progress. Outcomes from committed batches are
// final; for an uncommitted batch only the sends already made by aborted
// attempts are included.
func (r *Runner) Status(ctx context.Context, jobID id.JobID) (*Report, error) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	steps, err := r.store.ListSteps(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", jobID, err)
	}
	byName := make(map[string]*ledger.Step, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	batches := r.scheduler.Plan(j)
	rep := &Report{
		Job:          j,
		Status:       j.Status,
		TotalBatches: len(batches),
		Batches:      make([]BatchProgress, 0, len(batches)),
		Outcomes:     []ledger.Outcome{},
	}

	for _, b := range batches {
		bp := BatchProgress{
			Index:      b.Index,
			StepName:   b.StepName,
			Status:     ledger.StepNotStarted,
			Recipients: len(b.Recipients),
		}
		if s, ok := byName[b.StepName]; ok {
			bp.Status = s.Status
			bp.Attempts = s.Attempts
			bp.LastError = s.LastError

			var outcomes []ledger.Outcome
			if s.Done() && s.Result != nil {
				rep.CompletedBatches++
				bp.Sent = s.Result.Sent
				bp.PermanentFailures = s.Result.PermanentFailures
				bp.TransientFailures = s.Result.TransientFailures
				outcomes = s.Result.Outcomes
			} else {
				bp.Sent = len(s.Partial)
				outcomes = s.Partial
			}
			rep.Outcomes = append(rep.Outcomes, outcomes...)
		}

		rep.Sent += bp.Sent
		rep.PermanentFailures += bp.PermanentFailures
		rep.TransientFailures += bp.TransientFailures
		rep.Batches = append(rep.Batches, bp)
	}
	return rep, nil
}
