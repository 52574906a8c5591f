// Package ledger defines the step ledger: the durable record of batch step
// execution that makes job resumption idempotent.
//
// Each batch of a job is one [Step], keyed by (job ID, step name). Before a
// batch runs, the runner calls TryBegin. If the step already committed, the
// memoized [StepResult] is returned and the batch is skipped. Otherwise the
// attempt counter is incremented and the batch executes; on success the
// result is committed exactly once.
//
// # Commit semantics
//
// Commit is compare-and-set: it succeeds only if the step has not already
// succeeded. A second commit for the same key returns
// appointflow.ErrStepAlreadyCommitted and never overwrites the stored
// result. This keeps two runner instances racing on one job from both
// recording a result.
//
// # Partial progress
//
// When an attempt aborts on a systemic transport failure, the recipients
// already sent in that attempt are recorded with SavePartial. The next
// attempt skips them, so a retried batch does not send twice to anyone who
// already received the message.
package ledger
