// Package client talks to the Control API
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

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

// ErrNotFound is returned for 404 responses
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client is a Control API client
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateTask creates a task for ref, or returns the open one
func (c *Client) CreateTask(ctx context.Context, ref string, maxIterations int) (*api.CreateTaskResponse, error) {
	var out api.CreateTaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks", api.CreateTaskRequest{WorkItem: ref, MaxIterations: maxIterations}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns one task
func (c *Client) GetTask(ctx context.Context, id string) (*api.TaskResponse, error) {
	var out api.TaskResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions filters ListTasks
type ListOptions struct {
	ActiveOnly bool
	Phase      string
	Source     string
}

// ListTasks returns tasks, newest first
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]api.TaskResponse, error) {
	q := url.Values{}
	if opts.ActiveOnly {
		q.Set("active", "true")
	}
	if opts.Phase != "" {
		q.Set("phase", opts.Phase)
	}
	if opts.Source != "" {
		q.Set("source", opts.Source)
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []api.TaskResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTask requests cancellation; the result is "accepted" or "already_terminal"
func (c *Client) CancelTask(ctx context.Context, id string) (string, error) {
	var out api.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return "", err
	}
	return out.Result, nil
}

// RetryTask reruns a finished task's work item
func (c *Client) RetryTask(ctx context.Context, id string) (*api.TaskResponse, error) {
	var out api.TaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask removes a finished task
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// Iterations returns the task's iteration records
func (c *Client) Iterations(ctx context.Context, id string) ([]domain.IterationRecord, error) {
	var out []domain.IterationRecord
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/iterations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Artifact returns the change set of an iteration; 0 means the latest candidate
func (c *Client) Artifact(ctx context.Context, id string, iteration int) (*domain.ChangeSet, error) {
	path := "/api/tasks/" + url.PathEscape(id) + "/artifact"
	if iteration > 0 {
		path += "?iteration=" + strconv.Itoa(iteration)
	}
	var out domain.ChangeSet
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the task summary
func (c *Client) Stats(ctx context.Context) (*coordinator.Stats, error) {
	var out coordinator.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddSource registers a monitored source
func (c *Client) AddSource(ctx context.Context, req api.SourceRequest) (*api.SourceResponse, error) {
	var out api.SourceResponse
	if err := c.do(ctx, http.MethodPost, "/api/sources", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveSource unregisters a monitored source
func (c *Client) RemoveSource(ctx context.Context, repo string) error {
	return c.do(ctx, http.MethodDelete, "/api/sources/"+repo, nil, nil)
}

// ListSources returns the monitored sources
func (c *Client) ListSources(ctx context.Context) ([]api.SourceResponse, error) {
	var out []api.SourceResponse
	if err := c.do(ctx, http.MethodGet, "/api/sources", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PollSource polls a source right away
func (c *Client) PollSource(ctx context.Context, repo string) (*poller.PollResult, error) {
	var out poller.PollResult
	if err := c.do(ctx, http.MethodPost, "/api/sources/"+repo+"/poll", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SchedulerStatus returns the poll scheduler status
func (c *Client) SchedulerStatus(ctx context.Context) (*poller.Status, error) {
	var out poller.Status
	if err := c.do(ctx, http.MethodGet, "/api/scheduler", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartScheduler starts the poll scheduler
func (c *Client) StartScheduler(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/scheduler/start", nil, nil)
}

// StopScheduler stops the poll scheduler
func (c *Client) StopScheduler(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/scheduler/stop", nil, nil)
}

// Watch streams a task's events over the websocket until the task finishes,
// fn returns an error or ctx is done. A finished task ends the stream with nil.
func (c *Client) Watch(ctx context.Context, id string, fn func(domain.Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/tasks/" + url.PathEscape(id)
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return &APIError{Status: resp.StatusCode, Message: "task not found"}
		}
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
