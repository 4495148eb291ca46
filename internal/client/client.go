package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/relay"
	"github.com/inercia/wsrelay/internal/web"
)

// Client talks to a wsrelay server over HTTP and opens WebSocket sessions.
// It is safe for concurrent use.
type Client struct {
	baseURL      string
	token        string
	publishToken string
	httpClient   *http.Client
	handshake    time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithToken sets the credential presented when opening a session.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// WithPublishToken sets the bearer token for the publish and stats endpoints.
func WithPublishToken(token string) Option {
	return func(client *Client) {
		client.publishToken = token
	}
}

// WithHandshakeTimeout bounds the WebSocket upgrade. Default 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.handshake = d
	}
}

// New creates a new client.
// baseURL is the server address, e.g. "http://localhost:8089".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		handshake: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// PublishRequest is an event to publish. Data is the payload object for Type.
type PublishRequest struct {
	UserID   string
	ThreadID string
	RunID    string
	Payload  events.Payload
}

// PublishResult is the server's delivery report.
type PublishResult struct {
	RequestID string              `json:"request_id"`
	Envelope  events.Envelope     `json:"envelope"`
	Status    relay.PublishStatus `json:"status"`
	Delivered int                 `json:"delivered"`
	Failed    []relay.Failure     `json:"failed"`
}

// Publish sends one event through POST /api/publish.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if req.Payload == nil {
		return nil, fmt.Errorf("publish: payload is required")
	}
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	body := web.PublishRequest{
		UserID:   req.UserID,
		ThreadID: req.ThreadID,
		RunID:    req.RunID,
		Type:     req.Payload.Type(),
		Data:     data,
	}

	var result PublishResult
	if err := c.do(ctx, http.MethodPost, web.PathPublish, c.publishToken, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health is the body of GET /api/health.
type Health struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Connections int    `json:"connections"`
}

// Health reports the server health. A shutting down server returns an
// *APIError with status 503.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, web.PathHealth, "", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats fetches GET /api/stats.
func (c *Client) Stats(ctx context.Context) (*web.StatsResponse, error) {
	var stats web.StatsResponse
	if err := c.do(ctx, http.MethodGet, web.PathStats, c.publishToken, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Code == "" {
			// Health reports its failure under "reason".
			var h Health
			if json.Unmarshal(data, &h) == nil && h.Reason != "" {
				apiErr.Code = h.Reason
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
