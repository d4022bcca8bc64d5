package rca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/credentials"
)

// API is the backend surface the orchestrator drives. *Client implements it.
type API interface {
	CreateRequest(ctx context.Context, in RequestInput) (*Request, error)
	StartInvestigation(ctx context.Context, requestID string) (*Request, error)
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	GetSession(ctx context.Context, requestID string) (*Session, error)
	GetResult(ctx context.Context, requestID string) (*Result, error)
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. http://localhost:8000/api.
	BaseURL string

	// Timeout bounds each request. Zero means 30 s.
	Timeout time.Duration
}

// Client calls the investigation endpoints. Every response arrives in a
// `{success, error, data}` envelope; a false success carries the backend's
// error message, which is surfaced verbatim.
type Client struct {
	baseURL string
	httpc   *http.Client
	creds   *credentials.Store
	logger  *zap.Logger
}

// NewClient creates an investigation API client.
func NewClient(cfg ClientConfig, creds *credentials.Store, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpc:   &http.Client{Timeout: timeout},
		creds:   creds,
		logger:  logger,
	}
}

// envelope is the common response wrapper. Create responses put the created
// object under "request"; everything else uses "data".
type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Request json.RawMessage `json:"request"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if pair, err := c.creds.Tokens(ctx); err == nil {
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("%s", env.Error)
		}
		return fmt.Errorf("%s %s: request failed (status %d)", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	payload := env.Data
	if len(payload) == 0 {
		payload = env.Request
	}
	if len(payload) == 0 {
		return fmt.Errorf("%s %s: empty response payload", method, path)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// CreateRequest submits a new investigation request. A response missing an
// identifier is a failure, not a partial success.
func (c *Client) CreateRequest(ctx context.Context, in RequestInput) (*Request, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.DataSources == nil {
		in.DataSources = []string{}
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}

	c.logger.Debug("creating investigation request",
		zap.String("client_id", in.ClientID),
		zap.String("priority", string(in.Priority)))

	var req Request
	if err := c.do(ctx, http.MethodPost, "/rca/requests/", in, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// StartInvestigation tells the backend to begin processing the request.
func (c *Client) StartInvestigation(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	path := fmt.Sprintf("/rca/requests/%s/start/", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodPost, path, nil, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetRequest fetches the current status of a request.
func (c *Client) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	path := fmt.Sprintf("/rca/requests/%s/", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodGet, path, nil, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetSession fetches the working session behind a request. The session does
// not exist until the backend has actually started, so callers treat errors
// here as soft.
func (c *Client) GetSession(ctx context.Context, requestID string) (*Session, error) {
	var s Session
	path := fmt.Sprintf("/rca/requests/%s/session/", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetResult fetches the terminal result of a completed request.
func (c *Client) GetResult(ctx context.Context, requestID string) (*Result, error) {
	var r Result
	path := fmt.Sprintf("/rca/requests/%s/result/", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListFilter narrows ListRequests.
type ListFilter struct {
	Page     int
	PageSize int
	Search   string
	Status   Status
	Priority Priority
}

// RequestPage is one page of investigation requests.
type RequestPage struct {
	Requests   []Request  `json:"requests"`
	Pagination Pagination `json:"pagination"`
}

// ListRequests fetches the caller's investigation requests, newest first.
func (c *Client) ListRequests(ctx context.Context, f ListFilter) (*RequestPage, error) {
	q := url.Values{}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.PageSize))
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Priority != "" {
		q.Set("priority", string(f.Priority))
	}

	path := "/rca/requests/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page RequestPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
