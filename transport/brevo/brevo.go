// Package brevo implements transport.Transport over the Brevo (formerly
// Sendinblue) transactional email API.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zakinabdul/appointflow/transport"
)

// DefaultEndpoint is the Brevo transactional email endpoint.
const DefaultEndpoint = "https://api.brevo.com/v3/smtp/email"

// Sender identifies the From address.
type Sender struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API endpoint (used by tests).
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client sends email through Brevo.
type Client struct {
	apiKey   string
	sender   Sender
	endpoint string
	http     *http.Client
}

var _ transport.Transport = (*Client)(nil)

// New creates a Brevo client.
func New(apiKey string, sender Sender, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("brevo: api key is required")
	}
	if sender.Email == "" {
		return nil, errors.New("brevo: sender email is required")
	}
	c := &Client{
		apiKey:   apiKey,
		sender:   sender,
		endpoint: DefaultEndpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendRequest struct {
	Sender      Sender    `json:"sender"`
	To          []address `json:"to"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"htmlContent"`
	Tags        []string  `json:"tags,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send implements transport.Transport.
func (c *Client) Send(ctx context.Context, msg transport.Message) (string, error) {
	body, err := json.Marshal(sendRequest{
		Sender:      c.sender,
		To:          []address{{Email: msg.To, Name: msg.ToName}},
		Subject:     msg.Subject,
		HTMLContent: msg.HTMLBody,
		Tags:        msg.Tags,
	})
	if err != nil {
		return "", transport.Permanent(fmt.Errorf("brevo: encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", transport.Systemic(fmt.Errorf("brevo: build request: %w", err))
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transport.Transient(fmt.Errorf("brevo: send: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", transport.Transient(fmt.Errorf("brevo: read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out sendResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return "", transport.Transient(fmt.Errorf("brevo: decode response: %w", err))
		}
		return out.MessageID, nil
	}

	return "", classifyStatus(resp.StatusCode, data)
}

// classifyStatus maps a non-2xx Brevo response to a transport error.
func classifyStatus(status int, body []byte) error {
	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr) //nolint:errcheck // best-effort detail
	detail := apiErr.Message
	if detail == "" {
		detail = http.StatusText(status)
	}
	err := fmt.Errorf("brevo: %s", detail)
	code := strconv.Itoa(status)
	if apiErr.Code != "" {
		code += "/" + apiErr.Code
	}

	var class transport.ErrorClass
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		class = transport.ClassSystemic
	case status == http.StatusTooManyRequests, status >= 500:
		class = transport.ClassTransient
	case status >= 400:
		class = transport.ClassPermanent
	default:
		class = transport.ClassTransient
	}
	return &transport.Error{Class: class, Code: code, Err: err}
}
