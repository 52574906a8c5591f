// Package api exposes the dispatch engine over HTTP.
//
// Routes are mounted under /v1:
//
//	POST /v1/jobs                        submit a dispatch job
//	GET  /v1/jobs                        list jobs (?status=&limit=&offset=)
//	GET  /v1/jobs/counts                 job counts by status
//	GET  /v1/jobs/{jobId}                status report with per-batch progress
//	POST /v1/jobs/{jobId}/resume         resume a pending, running or failed job
//	POST /v1/jobs/{jobId}/cancel         cancel before the next batch
//	POST /v1/jobs/{jobId}/retry-failed   follow-up job for transient failures
//	POST /v1/confirmations               single-recipient confirmation
//	GET  /v1/dlq                         list dead letter entries
//	GET  /v1/dlq/count                   count dead letter entries
//	GET  /v1/dlq/{entryId}               get a dead letter entry
//	POST /v1/dlq/{entryId}/replay        resume the job behind an entry
//	GET  /v1/stats                       job and DLQ counts
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/engine"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyBytes    = 8 << 20
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an API from an Engine. A nil logger falls back to
// slog.Default.
func New(eng *engine.Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		eng:    eng,
		logger: logger,
		tracer: otel.Tracer("appointflow-http"),
	}
}

// Handler returns a router with every route registered.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the /v1 routes on an existing router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", a.listJobs)
			r.Post("/", a.submitJob)
			r.Get("/counts", a.jobCounts)
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", a.getJob)
				r.Post("/resume", a.resumeJob)
				r.Post("/cancel", a.cancelJob)
				r.Post("/retry-failed", a.retryFailed)
			})
		})
		r.Post("/confirmations", a.sendConfirmation)

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", a.listDLQ)
			r.Get("/count", a.dlqCount)
			r.Get("/{entryId}", a.getDLQ)
			r.Post("/{entryId}/replay", a.replayDLQ)
		})
		r.Get("/stats", a.stats)
	})
}

// ── Responses ──────────────────────────────────────

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

// fail maps engine errors onto HTTP status codes. Unexpected errors are
// logged and reported as 500.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, appointflow.ErrJobNotFound),
		errors.Is(err, appointflow.ErrStepNotFound),
		errors.Is(err, appointflow.ErrDLQNotFound):
		return http.StatusNotFound
	case errors.Is(err, appointflow.ErrInvalidState),
		errors.Is(err, appointflow.ErrJobActive),
		errors.Is(err, appointflow.ErrJobConflict),
		errors.Is(err, appointflow.ErrNothingToRetry),
		errors.Is(err, appointflow.ErrJobAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, appointflow.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ── Request helpers ────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pagination reads limit and offset from the query string.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxPageSize)
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
