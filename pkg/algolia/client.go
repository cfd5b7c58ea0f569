// Package algolia provides a minimal client for the Algolia indexing REST API.
package algolia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// MaxBatchObjects is the largest number of requests sent in one batch call.
const MaxBatchObjects = 1000

// Client defines the Algolia write operations used by the sync engine.
type Client interface {
	// Batch sends write actions to an index.
	Batch(ctx context.Context, index string, reqs []BatchRequest) (*TaskResponse, error)
	// DeleteBy removes every record matching a filter expression.
	DeleteBy(ctx context.Context, index, filters string) (*TaskResponse, error)
	// Operation copies or moves an index onto another one.
	Operation(ctx context.Context, index string, op OperationRequest) (*TaskResponse, error)
	// SetSettings replaces the index settings.
	SetSettings(ctx context.Context, index string, settings map[string]any) (*TaskResponse, error)
	// SaveSynonyms replaces the synonym set.
	SaveSynonyms(ctx context.Context, index string, synonyms []json.RawMessage) (*TaskResponse, error)
	// SaveRules replaces the query rules.
	SaveRules(ctx context.Context, index string, rules []json.RawMessage) (*TaskResponse, error)
	// DeleteIndex drops an index.
	DeleteIndex(ctx context.Context, index string) (*TaskResponse, error)
	// WaitTask blocks until a task is published.
	WaitTask(ctx context.Context, index string, taskID int64) error
}

// Batch actions.
const (
	ActionUpdateObject = "updateObject"
	ActionAddObject    = "addObject"
	ActionDeleteObject = "deleteObject"
)

// BatchRequest is one action of a batch call.
type BatchRequest struct {
	Action string `json:"action"`
	Body   any    `json:"body"`
}

// OperationRequest is the body of a copy/move call.
type OperationRequest struct {
	Operation   string   `json:"operation"`
	Destination string   `json:"destination"`
	Scope       []string `json:"scope,omitempty"`
}

// TaskResponse is returned by every asynchronous write.
type TaskResponse struct {
	TaskID    int64    `json:"taskID"`
	ObjectIDs []string `json:"objectIDs,omitempty"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("algolia: %s unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// Temporary reports whether the call may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type taskStatus struct {
	Status string `json:"status"`
}

// Option configures the Algolia client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithPollInterval sets the WaitTask polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *httpClient) {
		c.pollInterval = d
	}
}

// WithMaxPolls bounds the number of WaitTask polls.
func WithMaxPolls(n int) Option {
	return func(c *httpClient) {
		c.maxPolls = n
	}
}

type httpClient struct {
	appID        string
	apiKey       string
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
	maxPolls     int
}

// NewClient creates a new Algolia client for an application.
func NewClient(appID, apiKey string, opts ...Option) Client {
	c := &httpClient{
		appID:        appID,
		apiKey:       apiKey,
		baseURL:      fmt.Sprintf("https://%s.algolia.net", appID),
		pollInterval: time.Second,
		maxPolls:     120,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes a request with exponential backoff on transient failures.
// The body is replayed from payload on every attempt.
func (c *httpClient) retryDo(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 500 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, 0, eris.Wrap(err, "algolia: create request")
		}
		req.Header.Set("X-Algolia-Application-Id", c.appID)
		req.Header.Set("X-Algolia-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			respBody, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, resp.StatusCode, eris.Wrap(readErr, "algolia: read response body")
			}
			if !retryableStatusCode(resp.StatusCode) || attempt == maxAttempts {
				return respBody, resp.StatusCode, nil
			}
			lastErr = eris.Errorf("algolia: status %d: %s", resp.StatusCode, string(respBody))
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return nil, 0, lastErr
}

func (c *httpClient) call(ctx context.Context, method, path string, in any, op string) (*TaskResponse, error) {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return nil, eris.Wrapf(err, "algolia: marshal %s", op)
		}
	}

	body, status, err := c.retryDo(ctx, method, path, payload)
	if err != nil {
		return nil, eris.Wrapf(err, "algolia: %s request failed", op)
	}
	if status < 200 || status >= 300 {
		return nil, &APIError{Op: op, Status: status, Body: string(body)}
	}

	var result TaskResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, eris.Wrapf(err, "algolia: unmarshal %s response", op)
		}
	}
	return &result, nil
}

func indexPath(index string, parts ...string) string {
	p := "/1/indexes/" + url.PathEscape(index)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *httpClient) Batch(ctx context.Context, index string, reqs []BatchRequest) (*TaskResponse, error) {
	if len(reqs) > MaxBatchObjects {
		return nil, eris.Errorf("algolia: batch of %d exceeds %d requests", len(reqs), MaxBatchObjects)
	}
	return c.call(ctx, http.MethodPost, indexPath(index, "batch"),
		map[string]any{"requests": reqs}, "batch")
}

func (c *httpClient) DeleteBy(ctx context.Context, index, filters string) (*TaskResponse, error) {
	return c.call(ctx, http.MethodPost, indexPath(index, "deleteByQuery"),
		map[string]string{"filters": filters}, "deleteBy")
}

func (c *httpClient) Operation(ctx context.Context, index string, op OperationRequest) (*TaskResponse, error) {
	return c.call(ctx, http.MethodPost, indexPath(index, "operation"), op, "operation")
}

func (c *httpClient) SetSettings(ctx context.Context, index string, settings map[string]any) (*TaskResponse, error) {
	return c.call(ctx, http.MethodPut, indexPath(index, "settings")+"?forwardToReplicas=true",
		settings, "settings")
}

func (c *httpClient) SaveSynonyms(ctx context.Context, index string, synonyms []json.RawMessage) (*TaskResponse, error) {
	return c.call(ctx, http.MethodPost,
		indexPath(index, "synonyms", "batch")+"?replaceExistingSynonyms=true&forwardToReplicas=true",
		synonyms, "synonyms")
}

func (c *httpClient) SaveRules(ctx context.Context, index string, rules []json.RawMessage) (*TaskResponse, error) {
	return c.call(ctx, http.MethodPost,
		indexPath(index, "rules", "batch")+"?clearExistingRules=true&forwardToReplicas=true",
		rules, "rules")
}

func (c *httpClient) DeleteIndex(ctx context.Context, index string) (*TaskResponse, error) {
	return c.call(ctx, http.MethodDelete, indexPath(index), nil, "delete index")
}

func (c *httpClient) WaitTask(ctx context.Context, index string, taskID int64) error {
	path := indexPath(index, "task", fmt.Sprint(taskID))
	for i := 0; i < c.maxPolls; i++ {
		body, status, err := c.retryDo(ctx, http.MethodGet, path, nil)
		if err != nil {
			return eris.Wrapf(err, "algolia: poll task %d", taskID)
		}
		if status != http.StatusOK {
			return &APIError{Op: fmt.Sprintf("task %d", taskID), Status: status, Body: string(body)}
		}

		var ts taskStatus
		if err := json.Unmarshal(body, &ts); err != nil {
			return eris.Wrap(err, "algolia: unmarshal task status")
		}
		if ts.Status == "published" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return eris.Errorf("algolia: task %d not published after %d polls", taskID, c.maxPolls)
}
