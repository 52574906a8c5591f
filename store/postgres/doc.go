// Package postgres implements store.Store on PostgreSQL using pgx/v5.
//
// Jobs keep their payload and recipient snapshot as JSONB. Ledger steps
// are keyed by (job_id, step_name); Commit is a single
// INSERT ... ON CONFLICT DO UPDATE ... WHERE status <> 'succeeded', so two
// runners racing on the same step commit at most one result. Migrations
// are embedded SQL files applied in filename order.
package postgres
