// Package backend is the HTTP client for the question-answering backend.
package backend

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
	"time"

	"github.com/google/uuid"

	"xbtagent/internal/domain"
)

const (
	headerAPISecret = "x-api-secret"
	headerRequestID = "X-Request-Id"
	maxErrorBody    = 4 << 10
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// Client calls the backend on behalf of one agent.
type Client struct {
	baseURL        string
	apiKey         string
	fid            string
	includeContext bool
	limiter        *RateLimiter
	client         *http.Client
	logger         *slog.Logger
}

type Config struct {
	BaseURL string
	APIKey  string
	FID     string
	// IncludeContext sends conversation and sender ids alongside the question.
	IncludeContext bool
	Timeout        time.Duration
	// RatePerMinute throttles Ask calls when positive; Burst asks may be
	// sent back to back.
	RatePerMinute  float64
	Burst          int
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		fid:            cfg.FID,
		includeContext: cfg.IncludeContext,
		limiter:        NewRateLimiter(cfg.Burst, cfg.RatePerMinute),
		client:         cfg.HTTPClient,
		logger:         cfg.Logger,
	}
}

// Ask posts a question to /api/agent/{fid}/ask. A response with a non-ok
// status is returned without error; callers inspect AskResponse.OK.
func (c *Client) Ask(ctx context.Context, req domain.AskRequest) (*domain.AskResponse, error) {
	if !c.includeContext {
		req = domain.AskRequest{Question: req.Question}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var resp domain.AskResponse
	if err := c.do(ctx, http.MethodPost, c.agentPath("ask"), req, &resp); err != nil {
		return nil, err
	}
	if !resp.OK() {
		c.logger.Debug("backend declined to answer", "status", resp.Status, "message", resp.Message, "error", resp.Error)
	}
	return &resp, nil
}

// UpdateGroupMetadata sends a group metadata delta to
// /api/agent/{fid}/groups/{groupId}.
func (c *Client) UpdateGroupMetadata(ctx context.Context, delta domain.GroupMetadataDelta) error {
	if delta.GroupID == "" {
		return fmt.Errorf("group metadata update: empty group id")
	}
	return c.do(ctx, http.MethodPut, c.agentPath("groups", delta.GroupID), delta, nil)
}

func (c *Client) agentPath(parts ...string) string {
	segs := []string{c.baseURL, "api", "agent", url.PathEscape(c.fid)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerAPISecret, c.apiKey)
	httpReq.Header.Set(headerRequestID, requestID)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend call",
		"method", method,
		"url", endpoint,
		"status", resp.StatusCode,
		"request_id", requestID,
		"elapsed", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
