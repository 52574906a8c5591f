package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/ledger"
)

const stepColumns = `
	id, job_id, step_name, status, attempts, result, partial,
	last_error, created_at, updated_at, committed_at`

// TryBegin records a new attempt unless the step already succeeded. The
// upsert's WHERE clause skips succeeded rows, so an empty RETURNING means
// the step is memoized.
func (s *Store) TryBegin(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, bool, error) {
	now := nowNanos()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO appointflow_steps (id, job_id, step_name, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'not_started', 1, ?, ?)
		ON CONFLICT (job_id, step_name) DO UPDATE
			SET attempts = attempts + 1, updated_at = excluded.updated_at
			WHERE status <> 'succeeded'
		RETURNING `+stepColumns,
		id.NewStepID().String(), jobID.String(), stepName, now, now,
	)
	step, err := scanStep(row)
	if err == nil {
		return step, false, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("appointflow/sqlite: begin step: %w", err)
	}

	step, err = s.GetStep(ctx, jobID, stepName)
	if err != nil {
		return nil, false, err
	}
	return step, step.Done(), nil
}

// Commit writes the result if and only if the step has not succeeded.
func (s *Store) Commit(ctx context.Context, jobID id.JobID, stepName string, result ledger.StepResult) error {
	data, err := toJSON(result)
	if err != nil {
		return err
	}
	now := nowNanos()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO appointflow_steps
			(id, job_id, step_name, status, attempts, result, created_at, updated_at, committed_at)
		VALUES (?, ?, ?, 'succeeded', 1, ?, ?, ?, ?)
		ON CONFLICT (job_id, step_name) DO UPDATE
			SET status = 'succeeded', result = excluded.result, partial = '[]',
			    last_error = '', updated_at = excluded.updated_at,
			    committed_at = excluded.committed_at
			WHERE status <> 'succeeded'`,
		id.NewStepID().String(), jobID.String(), stepName, data, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: commit step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appointflow.ErrStepAlreadyCommitted
	}
	return nil
}

// Fail marks the latest attempt as failed without touching succeeded steps.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, stepName, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointflow_steps
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE job_id = ? AND step_name = ? AND status <> 'succeeded'`,
		reason, nowNanos(), jobID.String(), stepName,
	)
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: fail step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetStep(ctx, jobID, stepName); err != nil {
			return err
		}
	}
	return nil
}

// SavePartial merges sent outcomes inside a transaction. The single
// connection serializes it against other writers.
func (s *Store) SavePartial(ctx context.Context, jobID id.JobID, stepName string, sent []ledger.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: save partial: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		status string
		raw    sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, partial FROM appointflow_steps
		WHERE job_id = ? AND step_name = ?`,
		jobID.String(), stepName,
	).Scan(&status, &raw)
	if err != nil {
		if isNoRows(err) {
			return appointflow.ErrStepNotFound
		}
		return fmt.Errorf("appointflow/sqlite: load partial: %w", err)
	}
	if ledger.StepStatus(status) == ledger.StepSucceeded {
		return nil
	}

	var prior []ledger.Outcome
	if err := fromJSON(raw, &prior); err != nil {
		return err
	}
	merged, err := toJSON(ledger.MergePartial(prior, sent))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE appointflow_steps SET partial = ?, updated_at = ?
		WHERE job_id = ? AND step_name = ?`,
		merged, nowNanos(), jobID.String(), stepName,
	); err != nil {
		return fmt.Errorf("appointflow/sqlite: save partial: %w", err)
	}
	return tx.Commit()
}

// GetStep retrieves a step.
func (s *Store) GetStep(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM appointflow_steps
		WHERE job_id = ? AND step_name = ?`,
		jobID.String(), stepName,
	)
	step, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, appointflow.ErrStepNotFound
		}
		return nil, fmt.Errorf("appointflow/sqlite: get step: %w", err)
	}
	return step, nil
}

// ListSteps returns all steps for a job in creation order.
func (s *Store) ListSteps(ctx context.Context, jobID id.JobID) ([]*ledger.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM appointflow_steps
		WHERE job_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("appointflow/sqlite: list steps: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Step
	for rows.Next() {
		step, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("appointflow/sqlite: scan step: %w", scanErr)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func scanStep(row scanner) (*ledger.Step, error) {
	var (
		st                   ledger.Step
		status               string
		result, partial      sql.NullString
		createdAt, updatedAt int64
		committedAt          sql.NullInt64
	)
	err := row.Scan(
		&st.ID, &st.JobID, &st.Name, &status, &st.Attempts, &result, &partial,
		&st.LastError, &createdAt, &updatedAt, &committedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = ledger.StepStatus(status)
	st.CreatedAt = fromNanos(createdAt)
	st.UpdatedAt = fromNanos(updatedAt)
	st.CommittedAt = fromNullNanos(committedAt)
	if result.Valid && result.String != "" {
		var r ledger.StepResult
		if err := fromJSON(result, &r); err != nil {
			return nil, err
		}
		st.Result = &r
	}
	if err := fromJSON(partial, &st.Partial); err != nil {
		return nil, err
	}
	return &st, nil
}
