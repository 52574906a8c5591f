package store

import (
	"context"

	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// Store is the aggregate persistence interface.
// A single backend implements all of the subsystem stores.
type Store interface {
	job.Store
	ledger.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
