package kafkahook

// Lifecycle event types. Each constant maps to one ext lifecycle hook and
// is carried in the "event-type" message header and the payload's type field.
const (
	EventJobSubmitted = "appointflow.job.submitted"
	EventJobStarted   = "appointflow.job.started"
	EventJobCompleted = "appointflow.job.completed"
	EventJobFailed    = "appointflow.job.failed"
	EventJobCancelled = "appointflow.job.cancelled"
	EventJobDLQ       = "appointflow.job.dlq"
)

// TerminalEvents are the transitions published when WithEvents is not used.
func TerminalEvents() []string {
	return []string{EventJobCompleted, EventJobFailed, EventJobCancelled, EventJobDLQ}
}

// AllEvents lists every event type the extension can publish.
func AllEvents() []string {
	return []string{
		EventJobSubmitted,
		EventJobStarted,
		EventJobCompleted,
		EventJobFailed,
		EventJobCancelled,
		EventJobDLQ,
	}
}
