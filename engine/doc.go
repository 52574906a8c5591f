// Package engine wires the appointflow subsystems together: the worker pool
// and its delivery middleware chain, the job runner, the dead letter queue,
// the retention sweeper and the extension registry.
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithTransport(brevoClient),
//	    engine.WithConfig(cfg),
//	    engine.WithBreaker(transport.DefaultBreakerConfig()),
//	    engine.WithExtension(kafkahook.New(writer)),
//	)
//
// # Lifecycle
//
//	if err := eng.Start(ctx); err != nil { ... } // resumes interrupted jobs
//	defer eng.Stop(ctx)
//
// # Dispatching
//
//	jobID, err := eng.Runner().Submit(ctx, job.KindReminder, payload, recipients)
//	report, err := eng.Runner().Status(ctx, jobID)
//
// The default delivery chain is recover, tracing, metrics, logging, an
// optional rate limiter, and the per-send timeout. Middleware passed with
// WithMiddleware runs after those.
package engine
