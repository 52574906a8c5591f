package mongo

import (
	"fmt"
	"time"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	ID          string          `bson:"_id"`
	Kind        string          `bson:"kind"`
	Payload     job.Payload     `bson:"payload"`
	Recipients  []job.Recipient `bson:"recipients"`
	BatchSize   int             `bson:"batch_size"`
	Status      string          `bson:"status"`
	Error       string          `bson:"error"`
	Cancel      bool            `bson:"cancel_requested"`
	ParentJobID string          `bson:"parent_job_id,omitempty"`
	StartedAt   *time.Time      `bson:"started_at,omitempty"`
	CompletedAt *time.Time      `bson:"completed_at,omitempty"`
	CreatedAt   time.Time       `bson:"created_at"`
	UpdatedAt   time.Time       `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:          j.ID.String(),
		Kind:        string(j.Kind),
		Payload:     j.Payload,
		Recipients:  j.Recipients,
		BatchSize:   j.BatchSize,
		Status:      string(j.Status),
		Error:       j.Error,
		Cancel:      j.Cancel,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if !j.ParentJobID.IsNil() {
		m.ParentJobID = j.ParentJobID.String()
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("appointflow/mongo: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: appointflow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		Kind:        job.Kind(m.Kind),
		Payload:     m.Payload,
		Recipients:  m.Recipients,
		BatchSize:   m.BatchSize,
		Status:      job.Status(m.Status),
		Error:       m.Error,
		Cancel:      m.Cancel,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
	if m.ParentJobID != "" {
		if j.ParentJobID, err = id.ParseJobID(m.ParentJobID); err != nil {
			return nil, fmt.Errorf("appointflow/mongo: parse parent job id %q: %w", m.ParentJobID, err)
		}
	}
	return j, nil
}

// ── Step model ────────────────────────────────────────────────────

type stepModel struct {
	ID          string             `bson:"_id"`
	JobID       string             `bson:"job_id"`
	StepName    string             `bson:"step_name"`
	Status      string             `bson:"status"`
	Attempts    int                `bson:"attempts"`
	Result      *ledger.StepResult `bson:"result,omitempty"`
	Partial     []ledger.Outcome   `bson:"partial"`
	LastError   string             `bson:"last_error"`
	Rev         int64              `bson:"rev"`
	CreatedAt   time.Time          `bson:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at"`
	CommittedAt *time.Time         `bson:"committed_at,omitempty"`
}

func fromStepModel(m *stepModel) (*ledger.Step, error) {
	sID, err := id.ParseStepID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("appointflow/mongo: parse step id %q: %w", m.ID, err)
	}
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("appointflow/mongo: parse step job id %q: %w", m.JobID, err)
	}
	return &ledger.Step{
		ID:          sID,
		JobID:       jobID,
		Name:        m.StepName,
		Status:      ledger.StepStatus(m.Status),
		Attempts:    m.Attempts,
		Result:      m.Result,
		Partial:     m.Partial,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CommittedAt: m.CommittedAt,
	}, nil
}

// ── DLQ model ─────────────────────────────────────────────────────

type dlqModel struct {
	ID         string     `bson:"_id"`
	JobID      string     `bson:"job_id"`
	Kind       string     `bson:"kind"`
	StepName   string     `bson:"step_name"`
	Error      string     `bson:"error"`
	Attempts   int        `bson:"attempts"`
	Recipients int        `bson:"recipients"`
	FailedAt   time.Time  `bson:"failed_at"`
	ReplayedAt *time.Time `bson:"replayed_at,omitempty"`
	CreatedAt  time.Time  `bson:"created_at"`
}

func toDLQModel(e *dlq.Entry) *dlqModel {
	return &dlqModel{
		ID:         e.ID.String(),
		JobID:      e.JobID.String(),
		Kind:       string(e.Kind),
		StepName:   e.StepName,
		Error:      e.Error,
		Attempts:   e.Attempts,
		Recipients: e.Recipients,
		FailedAt:   e.FailedAt,
		ReplayedAt: e.ReplayedAt,
		CreatedAt:  e.CreatedAt,
	}
}

func fromDLQModel(m *dlqModel) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("appointflow/mongo: parse dlq id %q: %w", m.ID, err)
	}
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("appointflow/mongo: parse dlq job id %q: %w", m.JobID, err)
	}
	return &dlq.Entry{
		ID:         eID,
		JobID:      jobID,
		Kind:       job.Kind(m.Kind),
		StepName:   m.StepName,
		Error:      m.Error,
		Attempts:   m.Attempts,
		Recipients: m.Recipients,
		FailedAt:   m.FailedAt,
		ReplayedAt: m.ReplayedAt,
		CreatedAt:  m.CreatedAt,
	}, nil
}
