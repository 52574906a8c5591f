package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointflow_dlq (`+dlqColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.JobID.String(), string(entry.Kind), entry.StepName,
		entry.Error, entry.Attempts, entry.Recipients,
		toNanos(entry.FailedAt), toNullNanos(entry.ReplayedAt), toNanos(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries ordered by FailedAt, oldest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM appointflow_dlq WHERE 1=1`
	args := []any{}

	if opts.PendingOnly {
		query += " AND replayed_at IS NULL"
	}

	query += " ORDER BY failed_at ASC"

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
		return nil, fmt.Errorf("appointflow/sqlite: list dlq: %w", err)
	}
	defer rows.Close()

	var out []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("appointflow/sqlite: scan dlq: %w", scanErr)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM appointflow_dlq WHERE id = ?`, entryID.String())
	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, appointflow.ErrDLQNotFound
		}
		return nil, fmt.Errorf("appointflow/sqlite: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE appointflow_dlq SET replayed_at = ? WHERE id = ?`,
		nowNanos(), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("appointflow/sqlite: replay dlq: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appointflow.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM appointflow_dlq WHERE failed_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("appointflow/sqlite: purge dlq: %w", err)
	}
	return res.RowsAffected()
}

// CountDLQ returns the number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM appointflow_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("appointflow/sqlite: count dlq: %w", err)
	}
	return n, nil
}

func scanDLQ(row scanner) (*dlq.Entry, error) {
	var (
		e                   dlq.Entry
		kind                string
		failedAt, createdAt int64
		replayedAt          sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.JobID, &kind, &e.StepName, &e.Error, &e.Attempts, &e.Recipients,
		&failedAt, &replayedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = job.Kind(kind)
	e.FailedAt = fromNanos(failedAt)
	e.ReplayedAt = fromNullNanos(replayedAt)
	e.CreatedAt = fromNanos(createdAt)
	return &e, nil
}
