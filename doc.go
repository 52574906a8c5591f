// Package appointflow provides a durable, batched notification dispatch
// engine for event registrations. Given an event and a recipient list it
// renders a message per recipient, sends it through an external transport
// within that transport's rate limits, and survives partial failures and
// process restarts without duplicating or dropping sends.
//
// The engine is a library first. Configure a store, a transport, and a
// renderer, then submit dispatch jobs:
//
//	eng, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithTransport(brevoClient),
//	)
//	err = eng.Start(ctx)
//	jobID, err := eng.Runner().Submit(ctx, job.KindBroadcast, payload, recipients)
//
// # Architecture
//
// Every subsystem (job, ledger, dlq) defines its own store interface and a
// single backend implements all of them. A job is split into fixed-size
// batches; each batch is one step in the step ledger. A step that already
// committed is skipped on resume, so only the first unfinished batch and
// the batches after it are sent again.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package appointflow
