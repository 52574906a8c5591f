package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zakinabdul/appointflow/api"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/runner"
)

// Submit creates a dispatch job and returns its ID. The job runs
// asynchronously on the server.
func (c *Client) Submit(ctx context.Context, kind job.Kind, payload job.Payload, recipients []job.Recipient) (id.JobID, error) {
	var resp api.JobAcceptedResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, api.SubmitJobRequest{
		Kind:       kind,
		Payload:    payload,
		Recipients: recipients,
	}, &resp)
	return resp.JobID, err
}

// SendConfirmation submits a single-recipient confirmation job.
func (c *Client) SendConfirmation(ctx context.Context, event job.EventSnapshot, recipient job.Recipient) (id.JobID, error) {
	var resp api.JobAcceptedResponse
	err := c.do(ctx, http.MethodPost, "/v1/confirmations", nil, api.ConfirmationRequest{
		Event:     event,
		Recipient: recipient,
	}, &resp)
	return resp.JobID, err
}

// Status returns the job's report with per-batch progress.
func (c *Client) Status(ctx context.Context, jobID id.JobID) (*runner.Report, error) {
	var rep runner.Report
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// ListJobs lists jobs, oldest first.
func (c *Client) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var jobs []*job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Resume re-enters a pending, running or failed job.
func (c *Client) Resume(ctx context.Context, jobID id.JobID) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/resume", nil, nil, nil)
}

// Cancel stops a job before its next batch.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, nil, nil)
}

// RetryFailed submits a follow-up job for the recipients of jobID whose
// final outcome was a transient failure.
func (c *Client) RetryFailed(ctx context.Context, jobID id.JobID) (id.JobID, error) {
	var resp api.JobAcceptedResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/retry-failed", nil, nil, &resp)
	return resp.JobID, err
}
