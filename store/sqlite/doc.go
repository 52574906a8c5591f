// Package sqlite implements store.Store on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver. It suits single-node
// deployments, CLI tools, and tests that want real SQL semantics without
// a server.
//
//	s, err := sqlite.New(ctx, "appointflow.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
//
// All access goes through a single connection, so ledger compare-and-set
// updates are serialized by SQLite itself.
package sqlite
