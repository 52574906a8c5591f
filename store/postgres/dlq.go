package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

const dlqColumns = `
	id, job_id, kind, step_name, error, attempts, recipients,
	failed_at, replayed_at, created_at`

// PushDLQ adds an entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointflow_dlq (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.JobID.String(), string(entry.Kind), entry.StepName,
		entry.Error, entry.Attempts, entry.Recipients,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appointflow/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries ordered by FailedAt, oldest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM appointflow_dlq WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.PendingOnly {
		query += " AND replayed_at IS NULL"
	}

	query += " ORDER BY failed_at ASC"

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
		return nil, fmt.Errorf("appointflow/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var out []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("appointflow/postgres: scan dlq: %w", scanErr)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM appointflow_dlq WHERE id = $1`, entryID.String())
	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, appointflow.ErrDLQNotFound
		}
		return nil, fmt.Errorf("appointflow/postgres: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE appointflow_dlq SET replayed_at = NOW() WHERE id = $1`, entryID.String())
	if err != nil {
		return fmt.Errorf("appointflow/postgres: replay dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return appointflow.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM appointflow_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("appointflow/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointflow_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("appointflow/postgres: count dlq: %w", err)
	}
	return n, nil
}

func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e    dlq.Entry
		kind string
	)
	err := row.Scan(
		&e.ID, &e.JobID, &kind, &e.StepName, &e.Error, &e.Attempts, &e.Recipients,
		&e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = job.Kind(kind)
	return &e, nil
}
