package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

// SubmitJobRequest is the body of POST /v1/jobs. One request always
// produces exactly one job.
type SubmitJobRequest struct {
	Kind       job.Kind        `json:"kind"`
	Payload    job.Payload     `json:"payload"`
	Recipients []job.Recipient `json:"recipients"`
}

// ConfirmationRequest is the body of POST /v1/confirmations.
type ConfirmationRequest struct {
	Event     job.EventSnapshot `json:"event"`
	Recipient job.Recipient     `json:"recipient"`
}

// JobAcceptedResponse acknowledges an accepted job. The terminal status is
// observed later through GET /v1/jobs/{jobId}.
type JobAcceptedResponse struct {
	JobID       id.JobID `json:"job_id"`
	ParentJobID id.JobID `json:"parent_job_id,omitzero"`
	Status      string   `json:"status"`
}

// JobCountsResponse holds job counts by status.
type JobCountsResponse struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "SubmitJob")
	defer span.End()

	var req SubmitJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	span.SetAttributes(
		attribute.String("appointflow.job.kind", string(req.Kind)),
		attribute.Int("appointflow.job.recipients", len(req.Recipients)),
	)

	jobID, err := a.eng.Runner().Submit(ctx, req.Kind, req.Payload, req.Recipients)
	if err != nil {
		span.RecordError(err)
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID, Status: string(job.StatusPending)})
}

func (a *API) sendConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "SendConfirmation")
	defer span.End()

	var req ConfirmationRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Recipient.Email == "" {
		badRequest(w, "recipient.email is required")
		return
	}

	payload := job.Payload{Event: req.Event}
	jobID, err := a.eng.Runner().Submit(ctx, job.KindConfirmation, payload, []job.Recipient{req.Recipient})
	if err != nil {
		span.RecordError(err)
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID, Status: string(job.StatusPending)})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	status := job.Status(r.URL.Query().Get("status"))
	if status != "" && !validStatus(status) {
		badRequest(w, fmt.Sprintf("unknown status %q", status))
		return
	}

	jobs, err := a.eng.Store().ListJobs(r.Context(), job.ListOpts{
		Limit:  limit,
		Offset: offset,
		Status: status,
	})
	if err != nil {
		a.fail(w, r, fmt.Errorf("list jobs: %w", err))
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	rep, err := a.eng.Runner().Status(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) resumeJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := a.eng.Runner().Resume(r.Context(), jobID); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID, Status: string(job.StatusRunning)})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := a.eng.Runner().Cancel(r.Context(), jobID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info("job cancel accepted", slog.String("job_id", jobID.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) retryFailed(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	followUp, err := a.eng.Runner().RetryFailed(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{
		JobID:       followUp,
		ParentJobID: jobID,
		Status:      string(job.StatusPending),
	})
}

func (a *API) jobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.countJobs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *API) countJobs(r *http.Request) (JobCountsResponse, error) {
	var resp JobCountsResponse
	for st, dst := range map[job.Status]*int{
		job.StatusPending:   &resp.Pending,
		job.StatusRunning:   &resp.Running,
		job.StatusCompleted: &resp.Completed,
		job.StatusFailed:    &resp.Failed,
		job.StatusCancelled: &resp.Cancelled,
	} {
		n, err := a.eng.Store().CountJobs(r.Context(), st)
		if err != nil {
			return resp, fmt.Errorf("count jobs (%s): %w", st, err)
		}
		*dst = int(n)
	}
	return resp, nil
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return id.Nil, false
	}
	return jobID, true
}

func validStatus(s job.Status) bool {
	return s == job.StatusPending || s == job.StatusRunning || s.Terminal()
}
