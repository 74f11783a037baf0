package api

import (
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID              string                  `json:"id"`
	WorkItem        string                  `json:"work_item"`
	Title           string                  `json:"title,omitempty"`
	Phase           domain.Phase            `json:"phase"`
	Iteration       int                     `json:"iteration"`
	MaxIterations   int                     `json:"max_iterations"`
	PullRequest     *domain.PullRequestRef  `json:"pull_request,omitempty"`
	LastIteration   *domain.IterationRecord `json:"last_iteration,omitempty"`
	Outcome         *domain.Outcome         `json:"outcome,omitempty"`
	CancelRequested bool                    `json:"cancel_requested"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// CreateTaskRequest is the body of POST /api/tasks
type CreateTaskRequest struct {
	WorkItem      string `json:"work_item"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// CreateTaskResponse reports the task and whether it was created by the call
type CreateTaskResponse struct {
	Task    TaskResponse `json:"task"`
	Created bool         `json:"created"`
}

// CancelResponse is the answer to a cancellation request
type CancelResponse struct {
	Result string `json:"result"`
}

// SourceRequest is the body of POST /api/sources
type SourceRequest struct {
	Repo          string   `json:"repo"`
	Interval      string   `json:"interval,omitempty"`
	Schedule      string   `json:"schedule,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	CredentialRef string   `json:"credential_ref,omitempty"`
}

// SourceResponse is the API response for a monitored source
type SourceResponse struct {
	Repo          string    `json:"repo"`
	Interval      string    `json:"interval,omitempty"`
	Schedule      string    `json:"schedule,omitempty"`
	Labels        []string  `json:"labels,omitempty"`
	Enabled       bool      `json:"enabled"`
	Cursor        int64     `json:"cursor"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	LastPolledAt  time.Time `json:"last_polled_at"`
	LastError     string    `json:"last_error,omitempty"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		WorkItem:        t.WorkItemRef.String(),
		Phase:           t.Phase,
		Iteration:       t.Iteration,
		MaxIterations:   t.MaxIterations,
		PullRequest:     t.PullRequest,
		LastIteration:   t.LastIteration(),
		Outcome:         t.Outcome,
		CancelRequested: t.CancelRequested,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.WorkItem != nil {
		resp.Title = t.WorkItem.Title
	}
	return resp
}

func sourceToResponse(src *domain.MonitoredSource) SourceResponse {
	resp := SourceResponse{
		Repo:          src.Ref.String(),
		Schedule:      src.Schedule,
		Labels:        src.Labels,
		Enabled:       src.Enabled,
		Cursor:        src.Cursor,
		MaxIterations: src.MaxIterations,
		LastPolledAt:  src.LastPolledAt,
		LastError:     src.LastError,
	}
	if src.Interval > 0 {
		resp.Interval = src.Interval.String()
	}
	return resp
}
