// Package remote talks to the upstream REST API that owns the records.
// Every response uses the {success, data, error} envelope.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/domain"
	"github.com/5-logic/the-sync-cache/internal/middleware"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 10 << 20
)

// Client is a thin wrapper over the upstream REST API
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for baseURL
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type listEnvelope struct {
	Success bool              `json:"success"`
	Data    domain.Collection `json:"data"`
	Error   string            `json:"error,omitempty"`
}

// List fetches the full collection of resource
func (c *Client) List(ctx context.Context, resource string) (domain.Collection, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.resourceURL(resource), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resource, err)
	}
	defer resp.Body.Close()

	var envelope listEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("list %s: decode response (status %d): %w", resource, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !envelope.Success {
		return nil, fmt.Errorf("list %s: status %d: %s", resource, resp.StatusCode, envelope.Error)
	}
	if envelope.Data == nil {
		envelope.Data = domain.Collection{}
	}
	return envelope.Data, nil
}

// Mutate sends patch for one record. A reply that carries an envelope is
// returned as is, even on a 4xx/5xx status; only transport failures and
// undecodable bodies become errors.
func (c *Client) Mutate(ctx context.Context, resource, id string, patch domain.Patch) (domain.Envelope, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("encode patch: %w", err)
	}

	endpoint := c.resourceURL(resource) + "/" + url.PathEscape(id)
	req, err := c.newRequest(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Envelope{}, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("mutate %s/%s: %w", resource, id, err)
	}
	defer resp.Body.Close()

	var envelope domain.Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&envelope); err != nil {
		return domain.Envelope{}, fmt.Errorf("mutate %s/%s: decode response (status %d): %w", resource, id, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		envelope.Success = false
		if envelope.Error == "" {
			envelope.Error = http.StatusText(resp.StatusCode)
		}
	}

	c.logger.Debug("upstream mutation finished",
		zap.String("resource", resource),
		zap.String("id", id),
		zap.Int("status", resp.StatusCode),
		zap.Bool("success", envelope.Success),
		zap.Duration("duration", time.Since(start)),
	)
	return envelope, nil
}

// MutateFunc binds Mutate to one resource
func (c *Client) MutateFunc(resource string) domain.MutateFunc {
	return func(ctx context.Context, id string, patch domain.Patch) (domain.Envelope, error) {
		return c.Mutate(ctx, resource, id, patch)
	}
}

func (c *Client) resourceURL(resource string) string {
	return c.baseURL + "/" + url.PathEscape(resource)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return req, nil
}

var _ domain.CollectionSource = (*Client)(nil)
