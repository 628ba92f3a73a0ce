package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/l0p7/habridge/internal/config"
)

// Client wraps the Home Assistant REST API. It is constructed once at startup
// and injected wherever an upstream call is made; it owns the only HTTP client
// used to reach Home Assistant.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New validates the upstream settings and builds the REST client.
func New(cfg config.UpstreamConfig, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("upstream: url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		logger:     logger.With(slog.String("agent", "upstream")),
	}, nil
}

// BaseURL returns the configured upstream root, used to derive the websocket URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the upstream access credential shared with the event stream.
func (c *Client) Token() string { return c.token }

// States returns all entity states.
func (c *Client) States(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/states", nil)
}

// State returns one entity's state.
func (c *Client) State(ctx context.Context, entityID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil)
}

// SetState creates or updates one entity's state and returns the stored representation.
func (c *Client) SetState(ctx context.Context, entityID string, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/states/"+url.PathEscape(entityID), bytes.NewReader(body))
}

// CallService invokes a Home Assistant service and returns the affected states.
func (c *Client) CallService(ctx context.Context, domain, service string, data json.RawMessage) (json.RawMessage, error) {
	var body io.Reader
	if len(data) > 0 {
		body = bytes.NewReader(data)
	}
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	return c.do(ctx, http.MethodPost, path, body)
}

// Services returns the service registry.
func (c *Client) Services(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/services", nil)
}

// Config returns the Home Assistant configuration document.
func (c *Client) Config(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/config", nil)
}

// Ping reports whether the upstream API answers at all.
func (c *Client) Ping(ctx context.Context) bool {
	if _, err := c.do(ctx, http.MethodGet, "/api/", nil); err != nil {
		c.logger.Debug("upstream ping failed", slog.Any("error", err))
		return false
	}
	return true
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("upstream: %s %s: status %d", method, path, resp.StatusCode)
	}
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("upstream: %s %s: invalid json response", method, path)
	}
	return json.RawMessage(payload), nil
}
