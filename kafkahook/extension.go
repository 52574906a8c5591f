package kafkahook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zakinabdul/appointflow/ext"
	"github.com/zakinabdul/appointflow/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.JobSubmitted = (*Extension)(nil)
	_ ext.JobStarted   = (*Extension)(nil)
	_ ext.JobCompleted = (*Extension)(nil)
	_ ext.JobFailed    = (*Extension)(nil)
	_ ext.JobCancelled = (*Extension)(nil)
	_ ext.JobDLQ       = (*Extension)(nil)
)

// Extension publishes job lifecycle events to Kafka. Publish errors are
// returned to the extension registry, which logs them.
type Extension struct {
	writer   Writer
	enabled  map[string]bool
	payloads map[string]PayloadFunc
	now      func() time.Time
}

// New creates an Extension that writes through w.
func New(w Writer, opts ...Option) *Extension {
	h := &Extension{writer: w, now: time.Now}
	WithEvents(TerminalEvents()...)(h)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "kafka-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (h *Extension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return h.publish(ctx, EventJobSubmitted, j, newJobPayload(j))
}

// OnJobStarted implements ext.JobStarted.
func (h *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return h.publish(ctx, EventJobStarted, j, newJobPayload(j))
}

// OnJobCompleted implements ext.JobCompleted.
func (h *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	p := newJobPayload(j)
	p.ElapsedMs = elapsed.Milliseconds()
	return h.publish(ctx, EventJobCompleted, j, p)
}

// OnJobFailed implements ext.JobFailed.
func (h *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	p := newJobPayload(j)
	p.Error = jobErr.Error()
	return h.publish(ctx, EventJobFailed, j, p)
}

// OnJobCancelled implements ext.JobCancelled.
func (h *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return h.publish(ctx, EventJobCancelled, j, newJobPayload(j))
}

// OnJobDLQ implements ext.JobDLQ.
func (h *Extension) OnJobDLQ(ctx context.Context, j *job.Job, stepName string, jobErr error) error {
	p := newJobPayload(j)
	p.StepName = stepName
	p.Error = jobErr.Error()
	return h.publish(ctx, EventJobDLQ, j, p)
}

// ── Internal helpers ────────────────────────────────

// publish writes one message if the event type is enabled. The current
// trace context is injected into the message headers.
func (h *Extension) publish(ctx context.Context, eventType string, j *job.Job, defaultData *jobPayload) error {
	if !h.enabled[eventType] {
		return nil
	}
	defaultData.Type = eventType
	defaultData.OccurredAt = h.now().UTC()

	var data any = defaultData
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(defaultData)
		if err != nil {
			return err
		}
		data = custom
	}

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("kafkahook: marshal %s: %w", eventType, err)
	}

	headers := []kafka.Header{{Key: "event-type", Value: []byte(eventType)}}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(j.ID.String()),
		Value:   value,
		Headers: headers,
	}
	if err := h.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkahook: publish %s for %s: %w", eventType, j.ID, err)
	}
	return nil
}

// ── Default payload ─────────────────────────────────

type jobPayload struct {
	Type        string     `json:"type"`
	JobID       string     `json:"job_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	EventID     string     `json:"event_id,omitempty"`
	Recipients  int        `json:"recipients"`
	ParentJobID string     `json:"parent_job_id,omitempty"`
	StepName    string     `json:"step_name,omitempty"`
	ElapsedMs   int64      `json:"elapsed_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

func newJobPayload(j *job.Job) *jobPayload {
	p := &jobPayload{
		JobID:       j.ID.String(),
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		EventID:     j.Payload.Event.ID,
		Recipients:  len(j.Recipients),
		CompletedAt: j.CompletedAt,
	}
	if !j.ParentJobID.IsNil() {
		p.ParentJobID = j.ParentJobID.String()
	}
	return p
}
