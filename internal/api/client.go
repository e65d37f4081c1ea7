// Package api is the HTTP client for the assistant backend: the chat and
// streaming-chat endpoints, user context lookup, health, and the document
// endpoints. The backend itself is a black box behind this wire protocol.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

const defaultBaseURL = "http://localhost:8000/api"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger used for decode warnings.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBearerToken sends the token on every request. The backend ignores it
// in development; production deployments sit behind a gateway that checks it.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.bearerToken = token
	}
}

// Client talks to the assistant backend.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	bearerToken string
}

// NewClient creates a backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends a non-streaming chat request and returns the single complete
// response.
func (c *Client) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	req.UseStreaming = false
	resp, err := c.post(ctx, "/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrTransport("reading response body").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, body)
	}

	var result domain.ChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, domain.ErrProtocolDecode("malformed chat response").WithCause(err)
	}
	return &result, nil
}

// ChatStream sends a streaming chat request and returns the decoded event
// sequence. The returned channel is closed at end of stream; the caller must
// drain it.
func (c *Client) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan StreamResult, error) {
	req.UseStreaming = true
	resp, err := c.post(ctx, "/chat/stream", req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, body)
	}

	return decodeStream(resp.Body, c.logger), nil
}

// ExecuteConfirmed resubmits a human-approved mutating statement for
// execution. The confirmed flag is the only approval marker the backend
// recognizes.
func (c *Client) ExecuteConfirmed(ctx context.Context, statement string, user *domain.UserContext) (*domain.ChatResponse, error) {
	return c.Chat(ctx, &domain.ChatRequest{
		Query:       statement,
		UserContext: user,
		Confirmed:   true,
	})
}

// UserContext fetches the identity record for a user. The returned role is
// advisory; callers may override it.
func (c *Client) UserContext(ctx context.Context, userID int, application domain.Application) (*domain.UserContext, error) {
	path := fmt.Sprintf("/user/context/%d?application=%s", userID, application)
	var uc domain.UserContext
	if err := c.getJSON(ctx, path, &uc); err != nil {
		return nil, err
	}
	return &uc, nil
}

// Health probes backend liveness.
func (c *Client) Health(ctx context.Context) (*domain.HealthStatus, error) {
	var hs domain.HealthStatus
	if err := c.getJSON(ctx, "/health", &hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.ErrTransport("encoding request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrTransport("creating request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrTransport("request to %s failed", path).WithCause(err)
	}
	return resp, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return domain.ErrTransport("creating request").WithCause(err)
	}
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.ErrTransport("request to %s failed", path).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ErrTransport("reading response body").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.ErrProtocolDecode("malformed response for %s", path).WithCause(err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	return domain.ErrTransport("%s", detail).WithStatusCode(status)
}
