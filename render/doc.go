// Package render turns a job payload and a recipient into a rendered email.
//
// Rendering is split in two. [BuildContext] is the recipient-scoped context
// builder: it derives every string a template needs (date, time, location,
// join or directions link, unsubscribe and attendance links keyed by the
// recipient ID) from the job's event snapshot. A [Renderer] then maps
// (kind, context) to a subject and HTML body.
//
// Both steps are pure. The only failure mode of the builder is a missing
// required field, reported as a [*MissingFieldError] that wraps
// appointflow.ErrConfiguration. Event-level fields are checked once per job
// by [ValidatePayload] before any batch runs.
package render
