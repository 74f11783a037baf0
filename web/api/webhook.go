package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

var agentBranchRegex = regexp.MustCompile(`^agent/issue-(\d+)$`)

// WebhookResponse reports what a delivery did
type WebhookResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

// limiter returns the rate limiter for ip
func (s *Server) limiter(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	// Forget idle clients now and then.
	if time.Since(s.lastCleanup) > time.Hour {
		s.limiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.webhook.Limit, s.webhook.Burst)
		s.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func (s *Server) webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := clientIP(r)
		if !s.limiter(ip).Allow() {
			s.logger.Warn(ctx, "webhook rate limit exceeded", zap.String("ip", ip))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		payload, err := github.ValidatePayload(r, []byte(s.webhook.Secret))
		if err != nil {
			s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}

		var resp WebhookResponse
		switch e := event.(type) {
		case *github.IssuesEvent:
			resp, err = s.handleIssueEvent(ctx, e)
		case *github.PullRequestEvent:
			resp, err = s.handlePullRequestEvent(ctx, e)
		case *github.PingEvent:
			resp = WebhookResponse{Status: "pong"}
		default:
			resp = WebhookResponse{Status: "ignored"}
		}
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, resp)
	}
}

// handleIssueEvent creates a task for an issue of a monitored source that
// is opened with, or later given, the trigger label
func (s *Server) handleIssueEvent(ctx context.Context, e *github.IssuesEvent) (WebhookResponse, error) {
	action := e.GetAction()
	if action != "opened" && action != "labeled" && action != "reopened" {
		return WebhookResponse{Status: "ignored"}, nil
	}
	if e.GetIssue().IsPullRequest() {
		return WebhookResponse{Status: "ignored"}, nil
	}
	if label := s.webhook.TriggerLabel; label != "" {
		if action == "labeled" && e.GetLabel().GetName() != label {
			return WebhookResponse{Status: "ignored"}, nil
		}
		if !slices.ContainsFunc(e.GetIssue().Labels, func(l *github.Label) bool { return l.GetName() == label }) {
			return WebhookResponse{Status: "ignored"}, nil
		}
	}

	src, err := s.monitoredSource(ctx, e.GetRepo())
	if err != nil || src == nil {
		return WebhookResponse{Status: "ignored"}, err
	}
	ref := domain.WorkItemRef{Owner: src.Ref.Owner, Repo: src.Ref.Repo, Number: e.GetIssue().GetNumber()}

	task, created, err := s.coord.CreateTask(ctx, ref, coordinator.CreateOptions{MaxIterations: src.MaxIterations})
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("creating task for %s: %w", ref, err)
	}
	status := "exists"
	if created {
		status = "created"
		s.logger.Info(ctx, "task created from webhook", zap.String("work_item", ref.String()), zap.String("task", task.ID))
	}
	return WebhookResponse{Status: status, TaskID: task.ID}, nil
}

// handlePullRequestEvent cancels the task behind an agent pull request that
// was closed without being merged
func (s *Server) handlePullRequestEvent(ctx context.Context, e *github.PullRequestEvent) (WebhookResponse, error) {
	pr := e.GetPullRequest()
	if e.GetAction() != "closed" || pr.GetMerged() {
		return WebhookResponse{Status: "ignored"}, nil
	}
	m := agentBranchRegex.FindStringSubmatch(pr.GetHead().GetRef())
	if m == nil {
		return WebhookResponse{Status: "ignored"}, nil
	}
	number, _ := strconv.Atoi(m[1])
	ref := domain.WorkItemRef{
		Owner:  e.GetRepo().GetOwner().GetLogin(),
		Repo:   e.GetRepo().GetName(),
		Number: number,
	}

	task, err := s.coord.TaskForWorkItem(ctx, ref)
	if errors.Is(err, taskstore.ErrNotFound) {
		return WebhookResponse{Status: "ignored"}, nil
	}
	if err != nil {
		return WebhookResponse{}, err
	}
	if task.PullRequest == nil || task.PullRequest.Number != pr.GetNumber() {
		return WebhookResponse{Status: "ignored"}, nil
	}

	res, err := s.coord.CancelTask(ctx, task.ID)
	if err != nil {
		return WebhookResponse{}, err
	}
	if res == coordinator.CancelAccepted {
		s.logger.Info(ctx, "pull request closed; cancelling task",
			zap.String("task", task.ID), zap.Int("pr", pr.GetNumber()))
	}
	return WebhookResponse{Status: string(res), TaskID: task.ID}, nil
}

func (s *Server) monitoredSource(ctx context.Context, repo *github.Repository) (*domain.MonitoredSource, error) {
	ref, err := domain.ParseSourceRef(repo.GetOwner().GetLogin() + "/" + repo.GetName())
	if err != nil {
		return nil, nil
	}
	src, _, err := s.repo.GetSource(ctx, ref)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, nil
	}
	return src, err
}
