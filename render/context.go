package render

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/job"
)

// DefaultReminderWindow is shown in standard reminders.
const DefaultReminderWindow = "24 hours"

// DefaultAttendanceHours is used when an attendance request omits hours_before.
const DefaultAttendanceHours = 24

// Field scopes reported by MissingFieldError.
const (
	ScopeEvent     = "event"
	ScopeRecipient = "recipient"
)

// MissingFieldError reports a required field that is empty.
type MissingFieldError struct {
	Kind  job.Kind
	Scope string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("render: %s %s field %q is required", e.Kind, e.Scope, e.Field)
}

// Unwrap returns appointflow.ErrConfiguration.
func (e *MissingFieldError) Unwrap() error { return appointflow.ErrConfiguration }

// IsMissingField reports whether err is a MissingFieldError in the given
// scope. An empty scope matches any.
func IsMissingField(err error, scope string) bool {
	var mf *MissingFieldError
	if !errors.As(err, &mf) {
		return false
	}
	return scope == "" || mf.Scope == scope
}

// Context is everything a template needs for one recipient.
type Context struct {
	RecipientID    string
	RecipientName  string
	RecipientEmail string
	Vars           map[string]string

	EventTitle string
	EventDate  string
	EventTime  string
	Location   string
	Online     bool

	// MeetingLink is set for online events, MapsLink for offline ones.
	MeetingLink string
	MapsLink    string

	UnsubscribeLink string
	AttendingLink   string
	DecliningLink   string

	CustomMessage string
	TimeBefore    string
	HoursBefore   int

	// Subject and HTMLBody are the organizer-authored broadcast content.
	Subject  string
	HTMLBody string
}

// Greeting returns the name used after "Hi".
func (c Context) Greeting() string {
	if c.RecipientName == "" {
		return "there"
	}
	return c.RecipientName
}

// ValidatePayload checks the event-level fields required by kind.
func ValidatePayload(kind job.Kind, p job.Payload) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown job kind %q", appointflow.ErrConfiguration, kind)
	}
	missing := func(field string) error {
		return &MissingFieldError{Kind: kind, Scope: ScopeEvent, Field: field}
	}
	ev := p.Event

	if strings.TrimSpace(ev.Title) == "" {
		return missing("title")
	}
	if kind == job.KindBroadcast {
		if strings.TrimSpace(p.Params.Subject) == "" {
			return missing("subject")
		}
		if strings.TrimSpace(p.Params.HTMLBody) == "" {
			return missing("html_body")
		}
		return nil
	}

	switch {
	case ev.Date == "":
		return missing("date")
	case ev.Time == "":
		return missing("time")
	case ev.Online() && ev.MeetingLink == "":
		return missing("meeting_link")
	case !ev.Online() && ev.Location == "":
		return missing("location")
	}
	if kind == job.KindCustomReminder && strings.TrimSpace(p.Params.TimeBefore) == "" {
		return missing("time_before")
	}
	return nil
}

// BuildContext assembles the rendering context for one recipient.
// frontendURL is the base for unsubscribe and attendance links.
func BuildContext(kind job.Kind, p job.Payload, r job.Recipient, frontendURL string) (Context, error) {
	if err := ValidatePayload(kind, p); err != nil {
		return Context{}, err
	}
	if r.ID == "" {
		return Context{}, &MissingFieldError{Kind: kind, Scope: ScopeRecipient, Field: "id"}
	}
	if r.Email == "" {
		return Context{}, &MissingFieldError{Kind: kind, Scope: ScopeRecipient, Field: "email"}
	}

	base := strings.TrimRight(frontendURL, "/")
	rid := url.QueryEscape(r.ID)
	ev := p.Event

	c := Context{
		RecipientID:     r.ID,
		RecipientName:   r.Name,
		RecipientEmail:  r.Email,
		Vars:            r.Vars,
		EventTitle:      ev.Title,
		EventDate:       ev.Date,
		EventTime:       ev.Time,
		Location:        ev.Location,
		Online:          ev.Online(),
		UnsubscribeLink: base + "/api/email/unsubscribe?id=" + rid,
		AttendingLink:   base + "/attendance-confirmed?id=" + rid + "&status=attending",
		DecliningLink:   base + "/attendance-confirmed?id=" + rid + "&status=declined",
		CustomMessage:   p.Params.CustomMessage,
		TimeBefore:      p.Params.TimeBefore,
		HoursBefore:     p.Params.HoursBefore,
		Subject:         p.Params.Subject,
		HTMLBody:        p.Params.HTMLBody,
	}
	if c.Online {
		c.MeetingLink = ev.MeetingLink
	} else if ev.Location != "" {
		c.MapsLink = "https://www.google.com/maps/search/?api=1&query=" + url.QueryEscape(ev.Location)
	}

	switch kind {
	case job.KindReminder:
		if c.TimeBefore == "" {
			c.TimeBefore = DefaultReminderWindow
		}
	case job.KindAttendanceRequest:
		if c.HoursBefore <= 0 {
			c.HoursBefore = DefaultAttendanceHours
		}
	}
	return c, nil
}
