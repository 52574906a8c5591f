package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// Ensure Store implements each subsystem store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store    = (*Store)(nil)
	_ ledger.Store = (*Store)(nil)
	_ dlq.Store    = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs  map[string]*job.Job
	steps map[string]*ledger.Step // key: "jobID:stepName"
	order map[string][]string     // jobID -> step names in creation order
	dlqs  map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:  make(map[string]*job.Job),
		steps: make(map[string]*ledger.Step),
		order: make(map[string][]string),
		dlqs:  make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return appointflow.ErrJobAlreadyExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, appointflow.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists the mutable fields of a job if its status is still
// from. Recipients, kind and payload are fixed at creation.
func (m *Store) UpdateJob(_ context.Context, j *job.Job, from job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[j.ID.String()]
	if !ok {
		return appointflow.ErrJobNotFound
	}
	if cur.Status != from {
		return appointflow.ErrJobConflict
	}
	updated := j.Clone()
	cur.Status = updated.Status
	cur.Error = updated.Error
	cur.Cancel = cur.Cancel || updated.Cancel
	cur.StartedAt = updated.StartedAt
	cur.CompletedAt = updated.CompletedAt
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// RequestCancel flags a non-terminal job for cancellation.
func (m *Store) RequestCancel(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[jobID.String()]
	if !ok {
		return appointflow.ErrJobNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", appointflow.ErrInvalidState, jobID, cur.Status)
	}
	cur.Cancel = true
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// CountJobs counts jobs in status, or all jobs when status is empty.
func (m *Store) CountJobs(_ context.Context, status job.Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status == "" {
		return int64(len(m.jobs)), nil
	}
	var n int64
	for _, j := range m.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

// ListJobs returns jobs ordered by creation time, oldest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		result = append(result, j.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		if result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].ID.String() < result[k].ID.String()
		}
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// PurgeJobs removes terminal jobs last updated before the given time,
// together with their ledger steps.
func (m *Store) PurgeJobs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
		if !j.Status.Terminal() || !j.UpdatedAt.Before(before) {
			continue
		}
		for _, name := range m.order[key] {
			delete(m.steps, key+":"+name)
		}
		delete(m.order, key)
		delete(m.jobs, key)
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Ledger Store
// ──────────────────────────────────────────────────

func stepKey(jobID id.JobID, stepName string) string {
	return jobID.String() + ":" + stepName
}

func cloneStep(s *ledger.Step) *ledger.Step {
	cp := *s
	if s.Result != nil {
		r := *s.Result
		r.Outcomes = append([]ledger.Outcome(nil), s.Result.Outcomes...)
		cp.Result = &r
	}
	cp.Partial = append([]ledger.Outcome(nil), s.Partial...)
	if s.CommittedAt != nil {
		t := *s.CommittedAt
		cp.CommittedAt = &t
	}
	return &cp
}

// TryBegin returns the memoized step if it succeeded, otherwise records a
// new attempt.
func (m *Store) TryBegin(_ context.Context, jobID id.JobID, stepName string) (*ledger.Step, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(jobID, stepName)
	now := time.Now().UTC()
	s, ok := m.steps[key]
	if !ok {
		s = &ledger.Step{
			ID:        id.NewStepID(),
			JobID:     jobID,
			Name:      stepName,
			Status:    ledger.StepNotStarted,
			CreatedAt: now,
		}
		m.steps[key] = s
		m.order[jobID.String()] = append(m.order[jobID.String()], stepName)
	}
	if s.Status == ledger.StepSucceeded {
		return cloneStep(s), true, nil
	}
	s.Attempts++
	s.UpdatedAt = now
	return cloneStep(s), false, nil
}

// Commit stores the result unless the step already succeeded.
func (m *Store) Commit(_ context.Context, jobID id.JobID, stepName string, result ledger.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(jobID, stepName)
	now := time.Now().UTC()
	s, ok := m.steps[key]
	if !ok {
		s = &ledger.Step{
			ID:        id.NewStepID(),
			JobID:     jobID,
			Name:      stepName,
			Attempts:  1,
			CreatedAt: now,
		}
		m.steps[key] = s
		m.order[jobID.String()] = append(m.order[jobID.String()], stepName)
	}
	if s.Status == ledger.StepSucceeded {
		return appointflow.ErrStepAlreadyCommitted
	}
	r := result
	r.Outcomes = append([]ledger.Outcome(nil), result.Outcomes...)
	s.Status = ledger.StepSucceeded
	s.Result = &r
	s.Partial = nil
	s.LastError = ""
	s.UpdatedAt = now
	s.CommittedAt = &now
	return nil
}

// Fail marks the latest attempt as failed.
func (m *Store) Fail(_ context.Context, jobID id.JobID, stepName, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[stepKey(jobID, stepName)]
	if !ok {
		return appointflow.ErrStepNotFound
	}
	if s.Status == ledger.StepSucceeded {
		return nil
	}
	s.Status = ledger.StepFailed
	s.LastError = reason
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// SavePartial merges sent outcomes into the step's partial progress.
func (m *Store) SavePartial(_ context.Context, jobID id.JobID, stepName string, sent []ledger.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[stepKey(jobID, stepName)]
	if !ok {
		return appointflow.ErrStepNotFound
	}
	if s.Status == ledger.StepSucceeded {
		return nil
	}
	s.Partial = ledger.MergePartial(s.Partial, sent)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// GetStep retrieves a step.
func (m *Store) GetStep(_ context.Context, jobID id.JobID, stepName string) (*ledger.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.steps[stepKey(jobID, stepName)]
	if !ok {
		return nil, appointflow.ErrStepNotFound
	}
	return cloneStep(s), nil
}

// ListSteps returns all steps for a job in creation order.
func (m *Store) ListSteps(_ context.Context, jobID id.JobID) ([]*ledger.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := m.order[jobID.String()]
	out := make([]*ledger.Step, 0, len(names))
	for _, name := range names {
		out = append(out, cloneStep(m.steps[stepKey(jobID, name)]))
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds an entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries ordered by FailedAt, oldest first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.PendingOnly && e.ReplayedAt != nil {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, appointflow.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return appointflow.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			n++
		}
	}
	return n, nil
}

// CountDLQ returns the number of entries in the dead letter queue.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlqs)), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
