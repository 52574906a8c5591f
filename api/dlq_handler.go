package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
)

// DLQCountResponse is the body of GET /v1/dlq/count.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Jobs     JobCountsResponse `json:"jobs"`
	DLQCount int64             `json:"dlq_count"`
}

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	entries, err := a.eng.DLQ().DLQStore().ListDLQ(r.Context(), dlq.ListOpts{
		Limit:       limit,
		Offset:      offset,
		PendingOnly: r.URL.Query().Get("pending") == "true",
	})
	if err != nil {
		a.fail(w, r, fmt.Errorf("list dlq: %w", err))
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, ok := dlqIDParam(w, r)
	if !ok {
		return
	}
	entry, err := a.eng.DLQ().DLQStore().GetDLQ(r.Context(), entryID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, ok := dlqIDParam(w, r)
	if !ok {
		return
	}
	jobID, err := a.eng.DLQ().Replay(r.Context(), entryID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID, Status: "running"})
}

func (a *API) dlqCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.eng.DLQ().DLQStore().CountDLQ(r.Context())
	if err != nil {
		a.fail(w, r, fmt.Errorf("count dlq: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, DLQCountResponse{Count: count})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.countJobs(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	count, err := a.eng.DLQ().DLQStore().CountDLQ(r.Context())
	if err != nil {
		a.fail(w, r, fmt.Errorf("count dlq: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Jobs: jobs, DLQCount: count})
}

func dlqIDParam(w http.ResponseWriter, r *http.Request) (id.DLQID, bool) {
	entryID, err := id.ParseDLQID(chi.URLParam(r, "entryId"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid DLQ entry ID: %v", err))
		return id.Nil, false
	}
	return entryID, true
}
