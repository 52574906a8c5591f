// Package dlq records jobs that failed after exhausting their batch step
// retries so an operator can inspect and replay them.
//
// When the runner gives up on a batch step it calls [Service.Push]. The
// entry keeps the job ID, the step that failed, the attempt count and the
// final error. Replaying an entry resumes the original job: committed
// batch steps are skipped and execution re-enters at the failed step, so
// no recipient already marked sent is sent to again.
//
// # Admin API
//
//   - GET  /v1/dlq                 list entries
//   - GET  /v1/dlq/{entryId}       get a single entry
//   - POST /v1/dlq/{entryId}/replay resume the job
//   - GET  /v1/dlq/count           entry count
package dlq
