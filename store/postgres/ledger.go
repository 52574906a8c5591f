package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/ledger"
)

const stepColumns = `
	id, job_id, step_name, status, attempts, result, partial,
	last_error, created_at, updated_at, committed_at`

// TryBegin records a new attempt unless the step already succeeded. The
// conflict clause only fires for steps that are not succeeded, so a
// missing RETURNING row means the step is memoized.
func (s *Store) TryBegin(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO appointflow_steps (id, job_id, step_name, status, attempts)
		VALUES ($1, $2, $3, 'not_started', 1)
		ON CONFLICT (job_id, step_name) DO UPDATE
			SET attempts = appointflow_steps.attempts + 1, updated_at = NOW()
			WHERE appointflow_steps.status <> 'succeeded'
		RETURNING `+stepColumns,
		id.NewStepID().String(), jobID.String(), stepName,
	)
	step, err := scanStep(row)
	if err == nil {
		return step, false, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("appointflow/postgres: begin step: %w", err)
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
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO appointflow_steps (id, job_id, step_name, status, attempts, result, committed_at)
		VALUES ($1, $2, $3, 'succeeded', 1, $4, NOW())
		ON CONFLICT (job_id, step_name) DO UPDATE
			SET status = 'succeeded', result = EXCLUDED.result, partial = '[]',
			    last_error = '', updated_at = NOW(), committed_at = NOW()
			WHERE appointflow_steps.status <> 'succeeded'`,
		id.NewStepID().String(), jobID.String(), stepName, data,
	)
	if err != nil {
		return fmt.Errorf("appointflow/postgres: commit step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return appointflow.ErrStepAlreadyCommitted
	}
	return nil
}

// Fail marks the latest attempt as failed without touching succeeded steps.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, stepName, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointflow_steps
		SET status = 'failed', last_error = $3, updated_at = NOW()
		WHERE job_id = $1 AND step_name = $2 AND status <> 'succeeded'`,
		jobID.String(), stepName, reason,
	)
	if err != nil {
		return fmt.Errorf("appointflow/postgres: fail step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetStep(ctx, jobID, stepName); err != nil {
			return err
		}
	}
	return nil
}

// SavePartial merges sent outcomes under a row lock.
func (s *Store) SavePartial(ctx context.Context, jobID id.JobID, stepName string, sent []ledger.Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("appointflow/postgres: save partial: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var (
		status string
		raw    []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT status, partial FROM appointflow_steps
		WHERE job_id = $1 AND step_name = $2
		FOR UPDATE`,
		jobID.String(), stepName,
	).Scan(&status, &raw)
	if err != nil {
		if isNoRows(err) {
			return appointflow.ErrStepNotFound
		}
		return fmt.Errorf("appointflow/postgres: load partial: %w", err)
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
	if _, err := tx.Exec(ctx, `
		UPDATE appointflow_steps SET partial = $3, updated_at = NOW()
		WHERE job_id = $1 AND step_name = $2`,
		jobID.String(), stepName, merged,
	); err != nil {
		return fmt.Errorf("appointflow/postgres: save partial: %w", err)
	}
	return tx.Commit(ctx)
}

// GetStep retrieves a step.
func (s *Store) GetStep(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM appointflow_steps
		WHERE job_id = $1 AND step_name = $2`,
		jobID.String(), stepName,
	)
	step, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, appointflow.ErrStepNotFound
		}
		return nil, fmt.Errorf("appointflow/postgres: get step: %w", err)
	}
	return step, nil
}

// ListSteps returns all steps for a job in creation order.
func (s *Store) ListSteps(ctx context.Context, jobID id.JobID) ([]*ledger.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM appointflow_steps
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("appointflow/postgres: list steps: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Step
	for rows.Next() {
		step, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("appointflow/postgres: scan step: %w", scanErr)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func scanStep(row pgx.Row) (*ledger.Step, error) {
	var (
		st              ledger.Step
		status          string
		result, partial []byte
	)
	err := row.Scan(
		&st.ID, &st.JobID, &st.Name, &status, &st.Attempts, &result, &partial,
		&st.LastError, &st.CreatedAt, &st.UpdatedAt, &st.CommittedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = ledger.StepStatus(status)
	if len(result) > 0 {
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
