package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook.
const (
	ActionJobSubmitted   = "job.submitted"
	ActionJobStarted     = "job.started"
	ActionJobCompleted   = "job.completed"
	ActionJobFailed      = "job.failed"
	ActionJobCancelled   = "job.cancelled"
	ActionJobDLQ         = "job.dlq"
	ActionBatchCommitted = "batch.committed"
	ActionBatchFailed    = "batch.failed"
)

// Audit event categories.
const (
	CategoryJob   = "appointflow.job"
	CategoryBatch = "appointflow.batch"
)

// Resource types.
const (
	ResourceJob   = "job"
	ResourceBatch = "batch_step"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobCancelled,
		ActionJobDLQ,
		ActionBatchCommitted,
		ActionBatchFailed,
	}
}
