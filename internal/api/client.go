package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/observability"
)

// TokenSource supplies the bearer token for each request. An empty token
// means the request goes out unauthenticated.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

// UnauthorizedFunc is invoked for every 401 from every call site.
type UnauthorizedFunc func(ctx context.Context, err *APIError)

// Client talks to the versioned REST API. It holds no domain state.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger

	mu             sync.RWMutex
	tokens         TokenSource
	onUnauthorized UnauthorizedFunc
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.Component(l, "api") }
}

func WithTokenSource(ts TokenSource) Option { return func(c *Client) { c.tokens = ts } }

// New builds a client rooted at apiBase, e.g. "https://host/api/v1/".
func New(apiBase string, timeout time.Duration, opts ...Option) *Client {
	if !strings.HasSuffix(apiBase, "/") {
		apiBase += "/"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		base:   apiBase,
		http:   &http.Client{Timeout: timeout},
		logger: logging.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the versioned root the client was built with.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

func (c *Client) SetUnauthorizedHandler(fn UnauthorizedFunc) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// do issues one request. endpoint is a low-cardinality label used for logs
// and metrics; path is relative to the versioned root.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", endpoint, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+strings.TrimPrefix(path, "/"), rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.APIRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		c.logger.Warn("api request failed", "endpoint", endpoint, "method", method, "error", err)
		return &NetworkError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	observability.APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &NetworkError{Endpoint: endpoint, Err: err}
	}
	c.logger.Debug("api request", "endpoint", endpoint, "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Endpoint: endpoint}
		if len(bytes.TrimSpace(payload)) > 0 {
			if err := json.Unmarshal(payload, &apiErr.Data); err != nil {
				apiErr.Data.Message = strings.TrimSpace(string(payload))
			}
		}
		c.logger.Warn("api request rejected", "endpoint", endpoint, "status", resp.StatusCode, "message", apiErr.Data.first())
		if resp.StatusCode == http.StatusUnauthorized {
			c.mu.RLock()
			hook := c.onUnauthorized
			c.mu.RUnlock()
			if hook != nil {
				hook(ctx, apiErr)
			}
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
