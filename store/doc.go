// Package store bundles the job, ledger and dlq persistence contracts into
// the single [Store] a backend implements.
//
// Backends:
//
//	store/memory    maps behind a mutex; tests and local runs
//	store/postgres  pgx/v5 pool, ON CONFLICT upserts
//	store/sqlite    modernc.org/sqlite, one file, no cgo
//	store/redis     go-redis/v9, Lua scripts for step transitions
//	store/mongo     mongo-driver/v2, unique (job_id, step_name) index
//
// Whatever the backend, claiming a batch step is a compare-and-set, and so
// is every job status change. A step already marked succeeded is never
// reopened, so a committed batch is never sent again. The guarantee stops
// there: two processes resuming the same job after a crash can both send a
// batch that was never committed, and only one of them records the result.
// Recipients in such a batch may receive the email twice. store/storetest
// holds the suite every backend runs to prove the compare-and-set parts.
//
//	s, err := sqlite.New(ctx, "file:appointflow.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil {
//	    return err
//	}
//	eng, err := engine.New(engine.WithStore(s), engine.WithTransport(tr))
package store
