// Package ext lets code outside the runner observe notification jobs.
//
// An extension is any value with a Name method that also implements one or
// more of the hook interfaces below. The [Registry] inspects each extension
// once at registration and only calls the hooks it implements, so a Kafka
// publisher that cares about terminal states never sees batch events.
//
//	type slackOnFailure struct{ post func(string) }
//
//	func (s slackOnFailure) Name() string { return "slack-on-failure" }
//
//	func (s slackOnFailure) OnJobFailed(_ context.Context, j *job.Job, err error) error {
//	    s.post(fmt.Sprintf("%s job %s failed: %v", j.Kind, j.ID, err))
//	    return nil
//	}
//
// Job hooks: [JobSubmitted], [JobStarted], [JobCompleted], [JobFailed],
// [JobCancelled] and [JobDLQ]. A run that ends fires exactly one of
// Completed, Failed or Cancelled; DLQ follows Failed when the job ran out
// of systemic retries.
//
// Batch hooks: [BatchCommitted] after a step's outcomes are in the ledger,
// [BatchFailed] when an attempt aborted on a systemic transport error.
//
// [Shutdown] runs once from engine.Stop.
//
// Hook errors are logged by the registry and never reach the runner.
package ext
