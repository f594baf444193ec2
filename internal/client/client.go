// Package client is a Go client for the ragd HTTP API.
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

	httpserver "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/query"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	// RetryAfter is set from the Retry-After header on 429 responses.
	RetryAfter time.Duration
	Body       httpserver.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body.Error)
	}
	msg := fmt.Sprintf("server returned status %d: %s: %s", e.StatusCode, e.Body.Code, e.Body.Error)
	if e.Body.Dimension != "" {
		msg += " (" + e.Body.Dimension + ")"
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one ragd server as one tenant.
type Client struct {
	baseURL string
	token   string
	headers http.Header
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHeader adds a header to every request. Used for gateway identity
// headers in header auth mode.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: http.Header{},
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		apiErr.Body.Error = fmt.Sprintf("failed to read response body: %v", err)
		return apiErr
	}
	if json.Unmarshal(body, &apiErr.Body) != nil || apiErr.Body.Error == "" {
		apiErr.Body.Error = strings.TrimSpace(string(body))
	}
	return apiErr
}

// Health checks GET /health. An unhealthy server returns an APIError.
func (c *Client) Health(ctx context.Context) (*httpserver.HealthResponse, error) {
	var out httpserver.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddDocument uploads a document.
func (c *Client) AddDocument(ctx context.Context, title, text string) (*ingest.Result, error) {
	var out ingest.Result
	err := c.do(ctx, http.MethodPost, "/api/v1/documents", nil,
		httpserver.AddDocumentRequest{Title: title, Text: text}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments returns one page of the tenant's documents.
func (c *Client) ListDocuments(ctx context.Context, opts vectorstore.ListOptions) (*vectorstore.Page, error) {
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Search != "" {
		params.Set("search", opts.Search)
	}
	if opts.SortBy != "" {
		params.Set("sort_by", string(opts.SortBy))
	}
	if opts.SortOrder != "" {
		params.Set("sort_order", string(opts.SortOrder))
	}
	var out vectorstore.Page
	if err := c.do(ctx, http.MethodGet, "/api/v1/documents", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDocument removes a document and its vectors.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) (*rag.DeleteResult, error) {
	var out rag.DeleteResult
	err := c.do(ctx, http.MethodDelete, "/api/v1/documents/"+url.PathEscape(documentID), nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Query asks a question against the tenant's documents.
func (c *Client) Query(ctx context.Context, question string, prefs query.Preferences) (*query.Result, error) {
	var out query.Result
	err := c.do(ctx, http.MethodPost, "/api/v1/query", nil,
		httpserver.QueryRequest{Question: question, Preferences: prefs}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Quota returns the tenant's usage against its plan.
func (c *Client) Quota(ctx context.Context) (*quota.Status, error) {
	var out quota.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/quota", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the tenant's storage statistics.
func (c *Client) Stats(ctx context.Context) (*rag.Stats, error) {
	var out rag.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePlan changes a tenant's plan. An empty tenantID targets the
// caller. Requires the admin scope.
func (c *Client) UpdatePlan(ctx context.Context, tenantID, plan string) (*quota.Status, error) {
	var out quota.Status
	err := c.do(ctx, http.MethodPut, "/api/v1/plan", nil,
		httpserver.UpdatePlanRequest{TenantID: tenantID, Plan: plan}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
