package appointflow

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("appointflow: no store configured")
	ErrStoreClosed = errors.New("appointflow: store closed")

	// Wiring errors.
	ErrNoTransport = errors.New("appointflow: no transport configured")
	ErrNoRenderer  = errors.New("appointflow: no renderer configured")

	// Not found errors.
	ErrJobNotFound  = errors.New("appointflow: job not found")
	ErrStepNotFound = errors.New("appointflow: step not found")
	ErrDLQNotFound  = errors.New("appointflow: dlq entry not found")

	// Conflict errors.
	ErrJobAlreadyExists     = errors.New("appointflow: job already exists")
	ErrStepAlreadyCommitted = errors.New("appointflow: step already committed")
	ErrJobActive            = errors.New("appointflow: job is already executing")
	// ErrJobConflict is returned by UpdateJob when the stored status no
	// longer matches the status the caller read.
	ErrJobConflict = errors.New("appointflow: job status changed concurrently")

	// State errors.
	ErrInvalidState       = errors.New("appointflow: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("appointflow: max retries exceeded")
	ErrJobCancelled       = errors.New("appointflow: job cancelled")
	ErrNothingToRetry     = errors.New("appointflow: no transient failures to retry")

	// ErrConfiguration marks a static misconfiguration. Retrying cannot fix
	// it, so jobs that hit it fail immediately.
	ErrConfiguration = errors.New("appointflow: configuration error")
)
