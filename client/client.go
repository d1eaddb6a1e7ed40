// Package client provides a Go client for the relister HTTP API: job
// management for collaborating services, and the long-polling task
// feed for external executors.
//
// Usage:
//
//	c := client.New("https://relister.internal", 42)
//
//	// Enqueue a job.
//	j, err := c.CreateJob(ctx, client.CreateJobRequest{
//	    Action:  "publish_listing",
//	    Payload: payload,
//	})
//
//	// Run an executor loop.
//	runner := client.NewRunner(c, handler)
//	err = runner.Run(ctx)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crosslist/relister/engine"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/task"
	"github.com/crosslist/relister/taskqueue"
)

// Client talks to a relister server on behalf of one tenant.
type Client struct {
	baseURL  string
	tenantID int64
	http     *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. The default client
// has no timeout, which long-polling requires; set one only if every
// fetch uses a short timeout parameter.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for one tenant against the given base URL.
func New(baseURL string, tenantID int64, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		tenantID: tenantID,
		http:     &http.Client{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateJobRequest is the body for CreateJob.
type CreateJobRequest struct {
	Action   job.Action      `json:"action"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// CreateJob enqueues a new job.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob retrieves a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ResumeJob resumes a paused job.
func (c *Client) ResumeJob(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/resume", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// JobTasks lists the tasks of a job.
func (c *Client) JobTasks(ctx context.Context, jobID string) ([]*task.Task, error) {
	var tasks []*task.Task
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// FetchTasks long-polls for tasks. The call blocks server-side up to
// timeout; an empty response carries the suggested next poll interval.
func (c *Client) FetchTasks(ctx context.Context, timeout time.Duration, limit int) (*taskqueue.FetchResponse, error) {
	path := fmt.Sprintf("/v1/tasks?timeout=%d&limit=%d", int(timeout.Seconds()), limit)
	var resp taskqueue.FetchResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitResult reports a task outcome.
func (c *Client) SubmitResult(ctx context.Context, taskID string, res taskqueue.Result) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/result", res, nil)
}

// Status fetches the dispatcher snapshot.
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	var s engine.Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relister/client: server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("relister/client: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("relister/client: build request: %w", err)
	}
	req.Header.Set("X-Tenant-ID", strconv.FormatInt(c.tenantID, 10))
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relister/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("relister/client: decode response: %w", err)
		}
	}
	return nil
}
