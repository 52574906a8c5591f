// Package runner is the job runner: it accepts dispatch requests, persists
// them as jobs, and drives each job's batches through the step ledger.
//
// A job's batches run strictly in index order. Before a batch runs, the
// ledger's TryBegin gate is consulted and committed batches are skipped, so
// re-entering a job after a crash or an operator Resume sends nothing twice.
// A batch aborted by a systemic transport failure is retried with backoff up
// to the configured number of attempts; when those run out the job ends
// Failed and is pushed to the dead letter queue. Per-recipient failures never
// trigger a retry. Transient ones are recorded and can be re-sent explicitly
// with RetryFailed.
package runner
