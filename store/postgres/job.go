package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

const jobColumns = `
	id, kind, payload, recipients, batch_size, status, error,
	cancel_requested, parent_job_id, started_at, completed_at,
	created_at, updated_at`

// CreateJob persists a new job with its recipient snapshot.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	payload, err := toJSON(j.Payload)
	if err != nil {
		return err
	}
	recipients, err := toJSON(j.Recipients)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO appointflow_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID.String(), string(j.Kind), payload, recipients, j.BatchSize,
		string(j.Status), j.Error, j.Cancel, j.ParentJobID,
		j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return appointflow.ErrJobAlreadyExists
		}
		return fmt.Errorf("appointflow/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM appointflow_jobs WHERE id = $1`, jobID.String())

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, appointflow.ErrJobNotFound
		}
		return nil, fmt.Errorf("appointflow/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists status, error, cancel flag and timestamps if the row
// is still in status from.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, from job.Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointflow_jobs SET
			status = $3, error = $4, cancel_requested = cancel_requested OR $5,
			started_at = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		j.ID.String(), string(from), string(j.Status), j.Error, j.Cancel, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("appointflow/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, j.ID, appointflow.ErrJobConflict)
	}
	return nil
}

// RequestCancel sets cancel_requested on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointflow_jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("appointflow/postgres: request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, jobID, appointflow.ErrInvalidState)
	}
	return nil
}

// missOrConflict tells a missing job apart from one whose status did not
// match, after a guarded UPDATE touched no row.
func (s *Store) missOrConflict(ctx context.Context, jobID id.JobID, conflict error) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM appointflow_jobs WHERE id = $1`, jobID.String()).Scan(&status)
	if isNoRows(err) {
		return appointflow.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("appointflow/postgres: get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", conflict, jobID, status)
}

// CountJobs counts jobs in status, or all jobs when status is empty.
func (s *Store) CountJobs(ctx context.Context, status job.Status) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM appointflow_jobs WHERE $1 = '' OR status = $1`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("appointflow/postgres: count jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns jobs ordered by creation time, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM appointflow_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appointflow/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("appointflow/postgres: scan job: %w", scanErr)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PurgeJobs deletes terminal jobs last updated before the cutoff, and
// their steps, in one transaction.
func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("appointflow/postgres: purge jobs: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	const terminal = `status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`
	if _, err := tx.Exec(ctx, `
		DELETE FROM appointflow_steps
		WHERE job_id IN (SELECT id FROM appointflow_jobs WHERE `+terminal+`)`, before); err != nil {
		return 0, fmt.Errorf("appointflow/postgres: purge steps: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM appointflow_jobs WHERE `+terminal, before)
	if err != nil {
		return 0, fmt.Errorf("appointflow/postgres: purge jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("appointflow/postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                   job.Job
		kind, status        string
		payload, recipients []byte
	)
	err := row.Scan(
		&j.ID, &kind, &payload, &recipients, &j.BatchSize, &status, &j.Error,
		&j.Cancel, &j.ParentJobID, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	if err := fromJSON(payload, &j.Payload); err != nil {
		return nil, err
	}
	if err := fromJSON(recipients, &j.Recipients); err != nil {
		return nil, err
	}
	return &j, nil
}
