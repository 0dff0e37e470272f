// Package client is a typed HTTP client for the resolver service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"storyhub/resolverservice/internal/domain"
)

// HTTPDoer describes the HTTP client used to reach the service.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx answer carrying the service error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("resolver api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("resolver api: %s (%s)", e.Message, e.Code)
}

// Unwrap maps error codes back onto the domain sentinels so callers can use
// errors.Is across the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_found":
		return domain.ErrNotFound
	case "conflict":
		return domain.ErrTaskFinished
	case "rate_limited":
		return domain.ErrTooManyActiveTasks
	default:
		return nil
	}
}

type Health struct {
	Status        string    `json:"status"`
	SemanticReady bool      `json:"semanticReady"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Timestamp     time.Time `json:"timestamp"`
}

type ResolveResult struct {
	Resolution   domain.Resolution       `json:"resolution"`
	Task         *domain.AcquisitionTask `json:"task,omitempty"`
	AcquireError string                  `json:"acquireError,omitempty"`
}

type SemanticStatus struct {
	Ready bool    `json:"ready"`
	Size  int     `json:"size"`
	Floor float64 `json:"floor"`
}

type ReindexResult struct {
	Records int `json:"records"`
	Indexed int `json:"indexed"`
}

type SearchParams struct {
	Keyword   string
	Category  domain.Category
	Platforms []string
	Limit     int
	NoCache   bool
}

type Client struct {
	baseURL string
	http    HTTPDoer
}

type Option func(*Client)

func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

func (c *Client) Resolve(ctx context.Context, title string, category domain.Category, acquire bool) (ResolveResult, error) {
	query := url.Values{}
	query.Set("title", title)
	query.Set("category", string(category))
	if acquire {
		query.Set("acquire", "true")
	}
	var out ResolveResult
	err := c.do(ctx, http.MethodGet, "/resolve", query, nil, &out)
	return out, err
}

func (c *Client) Search(ctx context.Context, params SearchParams) (domain.SearchResponse, error) {
	query := url.Values{}
	query.Set("q", params.Keyword)
	if params.Category != "" {
		query.Set("category", string(params.Category))
	}
	if len(params.Platforms) > 0 {
		query.Set("platforms", strings.Join(params.Platforms, ","))
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.NoCache {
		query.Set("nocache", "1")
	}
	var out domain.SearchResponse
	err := c.do(ctx, http.MethodGet, "/search", query, nil, &out)
	return out, err
}

func (c *Client) Platforms(ctx context.Context) ([]domain.PlatformInfo, error) {
	var out struct {
		Items []domain.PlatformInfo `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/search/platforms", nil, nil, &out)
	return out.Items, err
}

func (c *Client) PlatformHealth(ctx context.Context) ([]domain.PlatformDiagnostics, error) {
	var out struct {
		Items []domain.PlatformDiagnostics `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/search/platforms/health", nil, nil, &out)
	return out.Items, err
}

// Submit sends request through the batch endpoint, which accepts any number
// of items.
func (c *Client) Submit(ctx context.Context, request domain.AcquisitionRequest) (domain.AcquisitionTask, error) {
	body := map[string]any{
		"items":          request.Items,
		"category":       request.Category,
		"classification": request.Classification,
	}
	var out domain.AcquisitionTask
	err := c.do(ctx, http.MethodPost, "/acquisitions/batch", nil, body, &out)
	return out, err
}

func (c *Client) Task(ctx context.Context, id string) (domain.AcquisitionTask, error) {
	var out domain.AcquisitionTask
	err := c.do(ctx, http.MethodGet, "/acquisitions/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) Tasks(ctx context.Context) ([]domain.AcquisitionTask, error) {
	var out struct {
		Items []domain.AcquisitionTask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/acquisitions", nil, nil, &out)
	return out.Items, err
}

func (c *Client) Cancel(ctx context.Context, id string) (domain.AcquisitionTask, error) {
	var out domain.AcquisitionTask
	err := c.do(ctx, http.MethodPost, "/acquisitions/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
	return out, err
}

// WaitTask polls the task until it reaches a terminal status or ctx ends.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (domain.AcquisitionTask, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Task(ctx, id)
		if err != nil {
			return task, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Deactivate(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/catalog/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

func (c *Client) SemanticStatus(ctx context.Context) (SemanticStatus, error) {
	var out SemanticStatus
	err := c.do(ctx, http.MethodGet, "/semantic/status", nil, nil, &out)
	return out, err
}

func (c *Client) Reindex(ctx context.Context) (ReindexResult, error) {
	var out ReindexResult
	err := c.do(ctx, http.MethodPost, "/semantic/reindex", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, dest any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if dest == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// IsUnavailable reports whether err is a 503 from the service.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable
}
