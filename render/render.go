package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/zakinabdul/appointflow/job"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer maps a kind and a recipient context to a subject and HTML body.
// Implementations must be deterministic and free of side effects.
type Renderer interface {
	Render(kind job.Kind, c Context) (subject, htmlBody string, err error)
}

// Func adapts an ordinary function to Renderer.
type Func func(kind job.Kind, c Context) (string, string, error)

// Render implements Renderer.
func (f Func) Render(kind job.Kind, c Context) (string, string, error) { return f(kind, c) }

var templateFiles = map[job.Kind]string{
	job.KindConfirmation:      "templates/confirmation.html",
	job.KindReminder:          "templates/reminder.html",
	job.KindCustomReminder:    "templates/reminder.html",
	job.KindBroadcast:         "templates/broadcast.html",
	job.KindAttendanceRequest: "templates/attendance_request.html",
}

// Subject returns the subject line for kind.
func Subject(kind job.Kind, c Context) string {
	switch kind {
	case job.KindConfirmation:
		return "Registration Confirmed: " + c.EventTitle
	case job.KindReminder:
		return "Reminder: " + c.EventTitle + " is tomorrow!"
	case job.KindCustomReminder:
		return "Reminder: " + c.EventTitle + " starts in " + c.TimeBefore
	case job.KindBroadcast:
		return c.Subject
	case job.KindAttendanceRequest:
		return "Please confirm your attendance: " + c.EventTitle
	}
	return ""
}

// view is the data passed to templates.
type view struct {
	Context
	FinalSubject string
}

// Body returns the organizer-authored broadcast body unescaped. Organizer
// content is produced by the authenticated editor upstream.
func (v view) Body() template.HTML { return template.HTML(v.HTMLBody) } //nolint:gosec // trusted organizer content

// TemplateRenderer renders the built-in HTML templates.
type TemplateRenderer struct {
	templates map[job.Kind]*template.Template
}

var _ Renderer = (*TemplateRenderer)(nil)

// NewTemplateRenderer parses the embedded templates.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	r := &TemplateRenderer{templates: make(map[job.Kind]*template.Template, len(templateFiles))}
	for kind, file := range templateFiles {
		t, err := template.ParseFS(templateFS, "templates/layout.html", file)
		if err != nil {
			return nil, fmt.Errorf("render: parse %s: %w", file, err)
		}
		r.templates[kind] = t
	}
	return r, nil
}

// Render implements Renderer.
func (r *TemplateRenderer) Render(kind job.Kind, c Context) (string, string, error) {
	t, ok := r.templates[kind]
	if !ok {
		return "", "", fmt.Errorf("render: no template for kind %q", kind)
	}
	subject := Subject(kind, c)
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", view{Context: c, FinalSubject: subject}); err != nil {
		return "", "", fmt.Errorf("render %s: %w", kind, err)
	}
	return subject, buf.String(), nil
}
