package job

import (
	"time"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
)

// Kind selects the message template and subject line.
type Kind string

const (
	// KindConfirmation is sent right after a registration is accepted.
	KindConfirmation Kind = "confirmation"
	// KindReminder is the standard reminder sent 24 hours before an event.
	KindReminder Kind = "reminder"
	// KindCustomReminder is an organizer-scheduled reminder with a note.
	KindCustomReminder Kind = "custom_reminder"
	// KindBroadcast carries an organizer-written subject and body.
	KindBroadcast Kind = "broadcast"
	// KindAttendanceRequest asks attendees to confirm or decline.
	KindAttendanceRequest Kind = "attendance_request"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConfirmation, KindReminder, KindCustomReminder, KindBroadcast, KindAttendanceRequest:
		return true
	}
	return false
}

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is persisted but execution has not begun.
	StatusPending Status = "pending"
	// StatusRunning means a runner is driving the job's batches.
	StatusRunning Status = "running"
	// StatusCompleted means every batch step committed.
	StatusCompleted Status = "completed"
	// StatusFailed means a batch step exhausted its retries or the job is
	// misconfigured. Failed jobs can be resumed.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled between batches.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further automatic transitions happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Resumable reports whether a runner may (re-)enter a job in this state.
func (s Status) Resumable() bool {
	return s == StatusPending || s == StatusRunning || s == StatusFailed
}

// EventType distinguishes in-person from online events.
type EventType string

const (
	EventOffline EventType = "offline"
	EventOnline  EventType = "online"
)

// EventSnapshot is the event metadata captured when a job is submitted.
// Date and Time are display strings, already formatted by the caller.
type EventSnapshot struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Date        string    `json:"date,omitempty"`
	Time        string    `json:"time,omitempty"`
	Location    string    `json:"location,omitempty"`
	Type        EventType `json:"event_type,omitempty"`
	MeetingLink string    `json:"meeting_link,omitempty"`
}

// Online reports whether attendees join through a meeting link.
func (e EventSnapshot) Online() bool { return e.Type == EventOnline }

// TemplateParams holds kind-specific template inputs.
type TemplateParams struct {
	// CustomMessage is the organizer note shown in a custom reminder.
	CustomMessage string `json:"custom_message,omitempty"`
	// TimeBefore is a display string such as "2 hours" or "24 hours".
	TimeBefore string `json:"time_before,omitempty"`
	// Subject is the broadcast subject line.
	Subject string `json:"subject,omitempty"`
	// HTMLBody is the organizer-authored broadcast body.
	HTMLBody string `json:"html_body,omitempty"`
	// HoursBefore is shown in attendance requests.
	HoursBefore int `json:"hours_before,omitempty"`
}

// Payload is the event-level part of a job.
type Payload struct {
	Event  EventSnapshot  `json:"event"`
	Params TemplateParams `json:"params"`
}

// Recipient is an immutable snapshot of one registrant.
type Recipient struct {
	ID    string            `json:"id"`
	Email string            `json:"email"`
	Name  string            `json:"name"`
	Vars  map[string]string `json:"vars,omitempty"`
}

// Job is one dispatch request.
type Job struct {
	appointflow.Entity

	ID          id.JobID    `json:"id"`
	Kind        Kind        `json:"kind"`
	Payload     Payload     `json:"payload"`
	Recipients  []Recipient `json:"recipients"`
	BatchSize   int         `json:"batch_size"`
	Status      Status      `json:"status"`
	Error       string      `json:"error,omitempty"`
	Cancel      bool        `json:"cancel_requested,omitempty"`
	ParentJobID id.JobID    `json:"parent_job_id,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Recipients = CloneRecipients(j.Recipients)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// CloneRecipients deep-copies a recipient list, including per-recipient vars.
func CloneRecipients(in []Recipient) []Recipient {
	if in == nil {
		return nil
	}
	out := make([]Recipient, len(in))
	for i, r := range in {
		out[i] = r
		if r.Vars != nil {
			vars := make(map[string]string, len(r.Vars))
			for k, v := range r.Vars {
				vars[k] = v
			}
			out[i].Vars = vars
		}
	}
	return out
}
