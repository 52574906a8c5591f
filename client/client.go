// Package client is a Go client for the appointflowd HTTP API.
//
// Usage:
//
//	c := client.New("https://notify.example.com",
//	    client.WithToken("..."),
//	)
//
//	jobID, err := c.Submit(ctx, job.KindReminder, payload, recipients)
//	rep, err := c.Status(ctx, jobID)
//
// Errors returned by the server match the appointflow sentinel errors, so
// errors.Is(err, appointflow.ErrJobNotFound) works across the wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zakinabdul/appointflow"
)

// Client talks to a remote appointflowd instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("appointflow api: %d: %s", e.StatusCode, e.Message)
}

// sentinels are the errors the server reports by message.
var sentinels = []error{
	appointflow.ErrJobNotFound,
	appointflow.ErrDLQNotFound,
	appointflow.ErrInvalidState,
	appointflow.ErrJobActive,
	appointflow.ErrJobConflict,
	appointflow.ErrNothingToRetry,
	appointflow.ErrConfiguration,
}

// Is reports whether the server error carries target's message.
func (e *APIError) Is(target error) bool {
	for _, s := range sentinels {
		if target == s { //nolint:errorlint // sentinel identity
			return strings.Contains(e.Message, s.Error())
		}
	}
	return false
}

// do sends a JSON request and decodes a JSON response into out, which may
// be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // best effort
		if jsonErr := json.Unmarshal(raw, &e); jsonErr != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		c.logger.Debug("appointflow api error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
