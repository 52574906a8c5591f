package redis

// All keys are prefixed with "appointflow:" to avoid collisions.
const keyPrefix = "appointflow:"

// ── Job keys ──

// jobKey returns the Hash key for a job: appointflow:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobsKey is the Sorted Set of job IDs scored by creation time.
const jobsKey = keyPrefix + "jobs"

// jobStatusKey returns the Sorted Set of job IDs currently in status,
// scored by creation time: appointflow:jobs:{status}
func jobStatusKey(status string) string { return jobsKey + ":" + status }

// ── Ledger keys ──

// stepKey returns the Hash key for a step: appointflow:step:{jobID}:{name}
func stepKey(jobID, name string) string { return keyPrefix + "step:" + jobID + ":" + name }

// stepIndexKey returns the Sorted Set of step names for a job, scored by
// creation time.
func stepIndexKey(jobID string) string { return keyPrefix + "steps:" + jobID }

// ── DLQ keys ──

// dlqKey returns the Hash key for a DLQ entry: appointflow:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIndexKey is the Sorted Set of DLQ entry IDs scored by FailedAt.
const dlqIndexKey = keyPrefix + "dlq_idx"
