// Package audithook is an extension that turns job and batch lifecycle
// events into an audit trail.
//
// Each hook emits a structured [AuditEvent] through a [Recorder]. Severity
// is info for normal progress, warning for aborted batch attempts and
// cancellations, and critical for failed or dead-lettered jobs.
//
// [NewSlogRecorder] writes events to a *slog.Logger, which is how the
// daemon records them:
//
//	audithook.New(audithook.NewSlogRecorder(logger),
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionJobDLQ,
//	    ),
//	)
package audithook
