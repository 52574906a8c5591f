package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zakinabdul/appointflow/api"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
)

// ListDLQ lists dead letter entries, oldest first.
func (c *Client) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.PendingOnly {
		q.Set("pending", "true")
	}
	var entries []*dlq.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/dlq", q, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CountDLQ returns the number of dead letter entries.
func (c *Client) CountDLQ(ctx context.Context) (int64, error) {
	var resp api.DLQCountResponse
	err := c.do(ctx, http.MethodGet, "/v1/dlq/count", nil, nil, &resp)
	return resp.Count, err
}

// ReplayDLQ resumes the job behind a dead letter entry and returns its ID.
func (c *Client) ReplayDLQ(ctx context.Context, entryID id.DLQID) (id.JobID, error) {
	var resp api.JobAcceptedResponse
	err := c.do(ctx, http.MethodPost, "/v1/dlq/"+entryID.String()+"/replay", nil, nil, &resp)
	return resp.JobID, err
}
