// Package n8n talks to the n8n REST API. All calls retry transient failures
// (timeouts and 5xx-class responses) a fixed number of times with
// exponential backoff and surface a typed *APIError on exhaustion.
package n8n

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
)

// WorkflowRef identifies one workflow on the remote server. Remote IDs are
// never persisted locally; they are only used to address API calls within a
// single command invocation.
type WorkflowRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Tag is a remote workflow tag.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// APIError is returned when a request fails after all retries. StatusCode is
// 0 for transport-level failures (connection refused, timeout).
type APIError struct {
	StatusCode int
	Method     string
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api request failed: %s %s: %s", e.Method, e.Endpoint, e.Body)
	}
	return fmt.Sprintf("api request failed: %s %s -> HTTP %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// AbortsDeployment reports whether this failure class should stop the
// remaining plan: authentication errors and connectivity failures will hit
// every subsequent call too, so continuing only multiplies the noise.
func (e *APIError) AbortsDeployment() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client is the remote API surface the engines depend on. Tests substitute
// struct mocks.
type Client interface {
	ListWorkflows(ctx context.Context) ([]WorkflowRef, error)
	GetWorkflow(ctx context.Context, id string) (map[string]any, error)
	CreateWorkflow(ctx context.Context, doc map[string]any) (string, error)
	UpdateWorkflow(ctx context.Context, id string, doc map[string]any) error
	RenameWorkflow(ctx context.Context, id, newName string) error
	DeleteWorkflow(ctx context.Context, id string) error
	ActivateWorkflow(ctx context.Context, id string) error
	DeactivateWorkflow(ctx context.Context, id string) error
	ListTags(ctx context.Context) ([]Tag, error)
}

// HTTPClient implements Client against a live n8n instance.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries int
	backoff    time.Duration // base backoff, doubled per attempt
}

// NewHTTPClient creates a client for the given instance. The API key is sent
// in the X-N8N-API-KEY header on every request.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
	}
}

func (c *HTTPClient) request(ctx context.Context, method, endpoint string, body any, query url.Values) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	reqURL := c.baseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr *APIError
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-N8N-API-KEY", c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transport failures (refused, reset, timeout) are transient.
			lastErr = &APIError{Method: method, Endpoint: endpoint, Body: err.Error()}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = &APIError{Method: method, Endpoint: endpoint, Body: readErr.Error()}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		lastErr = &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Endpoint:   endpoint,
			Body:       truncate(string(data), 200),
		}
		if !retryable(resp.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// listPage is the paginated envelope newer n8n versions return.
type listPage struct {
	Data       json.RawMessage `json:"data"`
	NextCursor *string         `json:"nextCursor"`
}

// paginate fetches every page of a list endpoint. Older n8n versions return
// a bare array; both shapes are handled.
func (c *HTTPClient) paginate(ctx context.Context, endpoint string, collect func(json.RawMessage) error) error {
	cursor := ""
	for {
		query := url.Values{"limit": {"100"}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		data, err := c.request(ctx, http.MethodGet, endpoint, nil, query)
		if err != nil {
			return err
		}

		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return collect(trimmed)
		}

		var page listPage
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		if len(page.Data) > 0 {
			if err := collect(page.Data); err != nil {
				return err
			}
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			return nil
		}
		cursor = *page.NextCursor
	}
}

func (c *HTTPClient) ListWorkflows(ctx context.Context) ([]WorkflowRef, error) {
	var refs []WorkflowRef
	err := c.paginate(ctx, "/api/v1/workflows", func(data json.RawMessage) error {
		var batch []WorkflowRef
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("decode workflow list: %w", err)
		}
		refs = append(refs, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *HTTPClient) GetWorkflow(ctx context.Context, id string) (map[string]any, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v1/workflows/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return doc, nil
}

func (c *HTTPClient) CreateWorkflow(ctx context.Context, doc map[string]any) (string, error) {
	data, err := c.request(ctx, http.MethodPost, "/api/v1/workflows", doc, nil)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create response carried no workflow id")
	}
	return created.ID, nil
}

func (c *HTTPClient) UpdateWorkflow(ctx context.Context, id string, doc map[string]any) error {
	_, err := c.request(ctx, http.MethodPut, "/api/v1/workflows/"+id, doc, nil)
	return err
}

// RenameWorkflow changes a workflow's name server-side, used for
// timestamped backups before a replace. The update endpoint requires the
// full definition, so the current one is fetched and resubmitted with only
// the name changed and server-managed fields dropped.
func (c *HTTPClient) RenameWorkflow(ctx context.Context, id, newName string) error {
	current, err := c.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	payload := map[string]any{"name": newName}
	for _, field := range []string{"nodes", "connections", "settings", "staticData"} {
		if v, ok := current[field]; ok {
			payload[field] = v
		}
	}
	return c.UpdateWorkflow(ctx, id, payload)
}

func (c *HTTPClient) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodDelete, "/api/v1/workflows/"+id, nil, nil)
	return err
}

func (c *HTTPClient) ActivateWorkflow(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/activate", map[string]any{}, nil)
	return err
}

func (c *HTTPClient) DeactivateWorkflow(ctx context.Context, id string) error {
	_, err := c.request(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/deactivate", nil, nil)
	return err
}

func (c *HTTPClient) ListTags(ctx context.Context) ([]Tag, error) {
	var tags []Tag
	err := c.paginate(ctx, "/api/v1/tags", func(data json.RawMessage) error {
		var batch []Tag
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("decode tag list: %w", err)
		}
		tags = append(tags, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}
