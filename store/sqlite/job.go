package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

const jobColumns = `
	id, kind, payload, recipients, batch_size, status, error,
	cancel_requested, parent_job_id, started_at, completed_at,
	created_at, updated_at`

const terminalJobs = `status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`

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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO appointflow_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), string(j.Kind), payload, recipients, j.BatchSize,
		string(j.Status), j.Error, j.Cancel, j.ParentJobID,
		toNullNanos(j.StartedAt), toNullNanos(j.CompletedAt),
		toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return appointflow.ErrJobAlreadyExists
		}
		return fmt.Errorf("appointflow/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM appointflow_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, appointflow.ErrJobNotFound
		}
		return nil, fmt.Errorf("appointflow/sqlite: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists status, error, cancel flag and timestamps if the row
// is still in status from.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, from job.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointflow_jobs SET
			status = ?, error = ?, cancel_requested = (cancel_requested OR ?),
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(j.Status), j.Error, j.Cancel,
		toNullNanos(j.StartedAt), toNullNanos(j.CompletedAt), nowNanos(),
		j.ID.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, j.ID, appointflow.ErrJobConflict)
	}
	return nil
}

// RequestCancel sets cancel_requested on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointflow_jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		nowNanos(), jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, jobID, appointflow.ErrInvalidState)
	}
	return nil
}

func (s *Store) missOrConflict(ctx context.Context, jobID id.JobID, conflict error) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM appointflow_jobs WHERE id = ?`, jobID.String()).Scan(&status)
	if isNoRows(err) {
		return appointflow.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", conflict, jobID, status)
}

// CountJobs counts jobs in status, or all jobs when status is empty.
func (s *Store) CountJobs(ctx context.Context, status job.Status) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM appointflow_jobs WHERE ? = '' OR status = ?`, string(status), string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("appointflow/sqlite: count jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns jobs ordered by creation time, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM appointflow_jobs WHERE 1=1`
	args := []any{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at ASC, id ASC"

	// SQLite only accepts OFFSET after LIMIT; -1 means unbounded.
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appointflow/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("appointflow/sqlite: scan job: %w", scanErr)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PurgeJobs deletes terminal jobs last updated before the cutoff, and
// their steps, in one transaction.
func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("appointflow/sqlite: purge jobs: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cutoff := toNanos(before)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM appointflow_steps
		WHERE job_id IN (SELECT id FROM appointflow_jobs WHERE `+terminalJobs+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("appointflow/sqlite: purge steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM appointflow_jobs WHERE `+terminalJobs, cutoff)
	if err != nil {
		return 0, fmt.Errorf("appointflow/sqlite: purge jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("appointflow/sqlite: purge jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                    job.Job
		kind, status         string
		payload, recipients  sql.NullString
		startedAt, completed sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&j.ID, &kind, &payload, &recipients, &j.BatchSize, &status, &j.Error,
		&j.Cancel, &j.ParentJobID, &startedAt, &completed,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	j.StartedAt = fromNullNanos(startedAt)
	j.CompletedAt = fromNullNanos(completed)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	if err := fromJSON(payload, &j.Payload); err != nil {
		return nil, err
	}
	if err := fromJSON(recipients, &j.Recipients); err != nil {
		return nil, err
	}
	return &j, nil
}
