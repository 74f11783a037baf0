package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/generation"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/issue-orchestrator/internal/prbot"
	"github.com/hochfrequenz/issue-orchestrator/internal/provider"
	"github.com/hochfrequenz/issue-orchestrator/internal/retry"
	"github.com/hochfrequenz/issue-orchestrator/internal/review"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

const notifyTimeout = 30 * time.Second

// driver is the single goroutine allowed to advance one task
type driver struct {
	id        string
	interrupt chan struct{}
	once      sync.Once
}

func (d *driver) cancel() {
	d.once.Do(func() { close(d.interrupt) })
}

// launch starts a driver for id unless one is running or the coordinator is stopped
func (c *Coordinator) launch(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == nil || c.base.Err() != nil {
		return false
	}
	if _, ok := c.drivers[id]; ok {
		return false
	}
	d := &driver{id: id, interrupt: make(chan struct{})}
	c.drivers[id] = d
	c.wg.Add(1)
	go c.run(c.base, d)
	return true
}

func (c *Coordinator) release(d *driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drivers[d.id] == d {
		delete(c.drivers, d.id)
	}
}

func (c *Coordinator) run(ctx context.Context, d *driver) {
	defer c.wg.Done()
	defer c.release(d)
	ctx = logging.WithTask(ctx, d.id)

	if !c.acquire(ctx, d) {
		return
	}
	defer c.sem.Release(1)

	for ctx.Err() == nil {
		task, _, err := c.repo.GetTask(ctx, d.id)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn(ctx, "reading task failed; driver stops", zap.Error(err))
			}
			return
		}
		if task.IsTerminal() {
			return
		}
		if task.CancelRequested {
			err = c.checkpoint(ctx, d.id)
		} else {
			err = c.step(ctx, d, task)
		}

		switch {
		case err == nil, errors.Is(err, retry.ErrInterrupted):
		case errors.Is(err, errTerminal):
			return
		case ctx.Err() != nil:
			// Shutting down; the phase is persisted and resumes on the next start.
			return
		default:
			if !c.fail(ctx, d.id, err) {
				return
			}
		}
	}
}

// acquire waits for a parallelism slot. A cancel request while queued
// cancels the task without running it.
func (c *Coordinator) acquire(ctx context.Context, d *driver) bool {
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-d.interrupt:
			stop()
		case <-waitCtx.Done():
		}
	}()
	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil {
			if err := c.checkpoint(ctx, d.id); err != nil && !errors.Is(err, errTerminal) {
				c.logger.Warn(ctx, "cancelling queued task failed", zap.Error(err))
			}
		}
		return false
	}
	return true
}

func (c *Coordinator) step(ctx context.Context, d *driver, t *domain.Task) error {
	switch t.Phase {
	case domain.PhaseParsing:
		return c.parse(ctx, d, t)
	case domain.PhaseAnalyzingRequirements:
		return c.analyze(ctx, d, t)
	case domain.PhaseGenerating:
		return c.generate(ctx, d, t)
	case domain.PhaseValidating:
		return c.validate(ctx, d, t)
	case domain.PhaseAwaitingReview:
		_, err := c.commit(ctx, t.ID, "review started", func(t *domain.Task, now time.Time) error {
			return t.Transition(domain.PhaseReviewing, now)
		})
		return err
	case domain.PhaseReviewing:
		return c.reviewStep(ctx, d, t)
	case domain.PhaseRevising:
		return c.revise(ctx, t)
	}
	return domain.Permanent("drive task", fmt.Errorf("unknown phase %q", t.Phase))
}

func (c *Coordinator) parse(ctx context.Context, d *driver, t *domain.Task) error {
	var item *domain.WorkItem
	err := c.call(ctx, d, "fetch work item", func(ctx context.Context) error {
		var err error
		item, err = c.provider.FetchWorkItem(ctx, t.WorkItemRef)
		return err
	})
	if err != nil {
		return err
	}

	var parsed *generation.ParseResult
	err = c.call(ctx, d, "parse work item", func(ctx context.Context) error {
		var err error
		parsed, err = c.gen.Parse(ctx, item)
		return err
	})
	if err != nil {
		return err
	}

	_, err = c.commit(ctx, t.ID, "requirements extracted", func(t *domain.Task, now time.Time) error {
		item.Requirements = parsed.Requirements
		if item.FetchedAt.IsZero() {
			item.FetchedAt = now
		}
		t.WorkItem = item
		if parsed.MaxIterations > 0 && !t.MaxIterationsExplicit {
			t.MaxIterations = min(max(parsed.MaxIterations, t.Iteration), domain.MaxIterationsLimit)
		}
		return t.Transition(domain.PhaseAnalyzingRequirements, now)
	})
	return err
}

func (c *Coordinator) analyze(ctx context.Context, d *driver, t *domain.Task) error {
	if t.WorkItem == nil {
		return domain.Permanent("plan", errors.New("task has no work item snapshot"))
	}
	var plan string
	err := c.call(ctx, d, "plan", func(ctx context.Context) error {
		var err error
		plan, err = c.gen.Plan(ctx, t.WorkItem)
		return err
	})
	if err != nil {
		return err
	}
	_, err = c.commit(ctx, t.ID, "plan ready", func(t *domain.Task, now time.Time) error {
		t.Plan = plan
		t.IterationStartedAt = now
		return t.Transition(domain.PhaseGenerating, now)
	})
	return err
}

func (c *Coordinator) generate(ctx context.Context, d *driver, t *domain.Task) error {
	if t.WorkItem == nil {
		return domain.Permanent("generate", errors.New("task has no work item snapshot"))
	}
	req := generation.Request{
		WorkItem:      *t.WorkItem,
		Plan:          t.Plan,
		Iteration:     t.Iteration + 1,
		MaxIterations: t.MaxIterations,
		Attempt:       t.ValidationAttempts + 1,
		Feedback:      t.Feedback,
		Problems:      t.ValidationProblems,
	}
	var cs *domain.ChangeSet
	err := c.call(ctx, d, "generate", func(ctx context.Context) error {
		var err error
		cs, err = c.gen.Generate(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	cs.TaskID = t.ID

	key, err := c.repo.SaveArtifact(ctx, cs)
	if err != nil {
		return err
	}
	summary := fmt.Sprintf("candidate %d.%d generated (%s)", req.Iteration, req.Attempt, prbot.ChangeSummary(cs))
	_, err = c.commit(ctx, t.ID, summary, func(t *domain.Task, now time.Time) error {
		t.Candidate = key
		return t.Transition(domain.PhaseValidating, now)
	})
	return err
}

func (c *Coordinator) validate(ctx context.Context, d *driver, t *domain.Task) error {
	cs, err := c.repo.GetArtifact(ctx, t.Candidate)
	if errors.Is(err, taskstore.ErrNotFound) {
		_, err = c.commit(ctx, t.ID, "candidate missing, regenerating", func(t *domain.Task, now time.Time) error {
			t.Candidate = ""
			return t.Transition(domain.PhaseGenerating, now)
		})
		return err
	}
	if err != nil {
		return err
	}

	if problems := c.gen.Validate(cs); len(problems) > 0 {
		c.logger.Info(ctx, "candidate failed validation",
			zap.Int("attempt", t.ValidationAttempts+1), zap.Strings("problems", problems))
		summary := fmt.Sprintf("candidate %d.%d failed validation", t.Iteration+1, t.ValidationAttempts+1)
		_, err := c.commit(ctx, t.ID, summary, func(t *domain.Task, now time.Time) error {
			attempts := t.ValidationAttempts + 1
			if attempts > c.cfg.ValidationRetries {
				return t.Finish(domain.OutcomeGenerationUnrecoverable,
					fmt.Sprintf("candidate failed validation %d times: %s", attempts, strings.Join(problems, "; ")), now)
			}
			t.ValidationAttempts = attempts
			t.ValidationProblems = problems
			t.Candidate = ""
			return t.Transition(domain.PhaseGenerating, now)
		})
		return err
	}

	next := t.Clone()
	next.Iteration++
	pub := provider.Publication{
		ChangeSet: cs,
		Title:     prbot.Title(next),
		Body:      prbot.BuildPRBody(next, cs),
		Message:   commitMessage(next, cs),
	}
	var pr *domain.PullRequestRef
	err = c.call(ctx, d, "publish", func(ctx context.Context) error {
		var err error
		pr, err = c.provider.PublishArtifact(ctx, t.WorkItemRef, pub)
		return err
	})
	if err != nil {
		return err
	}

	summary := fmt.Sprintf("iteration %d published as #%d", next.Iteration, pr.Number)
	_, err = c.commit(ctx, t.ID, summary, func(t *domain.Task, now time.Time) error {
		t.PullRequest = pr
		t.Iteration++
		t.ValidationAttempts = 0
		t.ValidationProblems = nil
		return t.Transition(domain.PhaseAwaitingReview, now)
	})
	return err
}

func commitMessage(t *domain.Task, cs *domain.ChangeSet) string {
	subject := cs.Summary
	if subject == "" {
		subject = prbot.ChangeSummary(cs)
	}
	return fmt.Sprintf("%s\n\nIteration %d for #%d", subject, t.Iteration, t.WorkItemRef.Number)
}

func (c *Coordinator) reviewStep(ctx context.Context, d *driver, t *domain.Task) error {
	if t.PullRequest == nil || t.WorkItem == nil {
		return domain.Permanent("review", errors.New("nothing published to review"))
	}
	pr := *t.PullRequest

	pending := t.PendingReview
	if pending == nil {
		ci, err := c.awaitCI(ctx, d, pr)
		if err != nil {
			return err
		}
		cs, err := c.repo.GetArtifact(ctx, t.Candidate)
		if err != nil {
			return err
		}
		req := review.Request{
			WorkItem:      *t.WorkItem,
			Plan:          t.Plan,
			ChangeSet:     cs,
			PullRequest:   &pr,
			CI:            ci,
			PriorFeedback: t.Feedback,
			Iteration:     t.Iteration,
			MaxIterations: t.MaxIterations,
		}
		err = c.call(ctx, d, "review", func(ctx context.Context) error {
			var err error
			pending, err = c.review.Review(ctx, req)
			return err
		})
		if err != nil {
			return err
		}
		summary := fmt.Sprintf("review of iteration %d: %s (score %.1f, ci %s)", t.Iteration, pending.Decision, pending.Score, ci)
		if _, err := c.commit(ctx, t.ID, summary, func(t *domain.Task, now time.Time) error {
			t.PendingReview = pending
			return nil
		}); err != nil {
			return err
		}
	}

	// A crash between posting and the next commit posts the comment again.
	if !pending.FeedbackPosted {
		err := c.call(ctx, d, "post feedback", func(ctx context.Context) error {
			return c.provider.PostFeedback(ctx, pr, pending.Feedback)
		})
		if err != nil {
			return err
		}
		if labeler, ok := c.provider.(provider.Labeler); ok && len(pending.Labels) > 0 {
			if err := labeler.AddLabels(ctx, pr, pending.Labels); err != nil {
				c.logger.Warn(ctx, "labelling pull request failed", zap.Int("pr", pr.Number), zap.Error(err))
			}
		}
	}

	var summary string
	task, err := c.commit(ctx, t.ID, "", func(t *domain.Task, now time.Time) error {
		r := t.PendingReview
		if r == nil {
			return taskstore.ErrSkip
		}
		rec := domain.IterationRecord{
			Index:       t.Iteration,
			ArtifactRef: t.Candidate,
			PullRequest: t.PullRequest,
			Decision:    r.Decision,
			Score:       r.Score,
			Feedback:    r.Feedback,
			Issues:      r.Issues,
			CIStatus:    r.CIStatus,
			FinishedAt:  now,
		}
		if !t.IterationStartedAt.IsZero() {
			rec.Duration = now.Sub(t.IterationStartedAt)
		}
		if err := t.AppendIteration(rec); err != nil {
			return err
		}
		t.PendingReview = nil

		switch {
		case r.Decision == domain.DecisionApprove:
			summary = fmt.Sprintf("approved at iteration %d", t.Iteration)
			return t.Finish(domain.OutcomeApproved,
				fmt.Sprintf("approved at iteration %d with score %.1f", t.Iteration, r.Score), now)
		case t.Iteration >= t.MaxIterations:
			summary = "iterations exhausted"
			return t.Finish(domain.OutcomeExhausted,
				fmt.Sprintf("no approval after %d iterations; needs human review", t.Iteration), now)
		default:
			summary = fmt.Sprintf("iteration %d not approved (%s), revising", t.Iteration, r.Decision)
			return t.Transition(domain.PhaseRevising, now)
		}
	}, func() string { return summary })
	if err != nil {
		return err
	}

	if task.Phase == domain.PhaseCompleted {
		c.autoMerge(ctx, task, pending)
	}
	return nil
}

func (c *Coordinator) autoMerge(ctx context.Context, t *domain.Task, r *domain.Review) {
	if !c.cfg.AutoMerge || !review.AutoMergeEligible(r) {
		return
	}
	merger, ok := c.provider.(provider.Merger)
	if !ok || t.PullRequest == nil {
		return
	}
	if err := merger.Merge(ctx, *t.PullRequest, prbot.Title(t)); err != nil {
		c.logger.Warn(ctx, "auto-merge failed", zap.Int("pr", t.PullRequest.Number), zap.Error(err))
		return
	}
	c.logger.Info(ctx, "pull request auto-merged", zap.Int("pr", t.PullRequest.Number))
}

func (c *Coordinator) revise(ctx context.Context, t *domain.Task) error {
	_, err := c.commit(ctx, t.ID, fmt.Sprintf("starting iteration %d", t.Iteration+1), func(t *domain.Task, now time.Time) error {
		if last := t.LastIteration(); last != nil {
			t.Feedback = append(t.Feedback, domain.Feedback{
				Iteration: last.Index,
				Text:      last.Feedback,
				Issues:    last.Issues,
			})
		}
		t.Candidate = ""
		t.ValidationAttempts = 0
		t.ValidationProblems = nil
		t.IterationStartedAt = now
		return t.Transition(domain.PhaseGenerating, now)
	})
	return err
}

// commit is the checkpoint every phase step ends with. It applies fn to
// the latest record unless cancellation was requested, in which case the
// task is cancelled instead and errTerminal is returned. The committed
// state is published only after the write succeeded. An optional describe
// func computes the event summary from inside fn.
func (c *Coordinator) commit(ctx context.Context, id, summary string, fn func(t *domain.Task, now time.Time) error, describe ...func() string) (*domain.Task, error) {
	var skipped, cancelled bool
	task, version, err := c.repo.UpdateTask(ctx, id, func(t *domain.Task) error {
		skipped, cancelled = false, false
		if t.IsTerminal() {
			return errTerminal
		}
		now := c.now()
		if t.CancelRequested {
			cancelled = true
			return t.Finish(domain.OutcomeCancelled, "cancelled by request", now)
		}
		if fn == nil {
			skipped = true
			return taskstore.ErrSkip
		}
		if err := fn(t, now); err != nil {
			skipped = errors.Is(err, taskstore.ErrSkip)
			return err
		}
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped {
		return task, nil
	}

	if cancelled {
		summary = "cancelled by request"
	} else {
		for _, fn := range describe {
			summary = fn()
		}
	}
	c.publish(ctx, task, version, summary)
	if cancelled {
		return task, errTerminal
	}
	return task, nil
}

// checkpoint applies a pending cancel request, if any
func (c *Coordinator) checkpoint(ctx context.Context, id string) error {
	_, err := c.commit(ctx, id, "", nil)
	return err
}

func (c *Coordinator) publish(ctx context.Context, t *domain.Task, version int64, summary string) {
	c.bus.Publish(t.ID, domain.EventFromTask(t, version, summary))
	c.logger.Debug(ctx, summary, zap.String("phase", string(t.Phase)), zap.Int("iteration", t.Iteration))
	if !t.IsTerminal() {
		return
	}

	c.logger.Info(ctx, "task finished",
		zap.String("outcome", string(t.Outcome.Kind)),
		zap.String("detail", t.Outcome.Detail),
		zap.Int("iterations", t.Iteration),
		zap.Duration("duration", t.Duration()))

	n := notify.ForTask(t)
	send := func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := c.notifier.Send(nctx, n); err != nil {
			c.logger.Warn(nctx, "notification failed", zap.Error(err))
		}
	}

	c.notifyMu.Lock()
	if c.notifyClosed {
		c.notifyMu.Unlock()
		send()
		return
	}
	c.notifyWG.Add(1)
	c.notifyMu.Unlock()
	go func() {
		defer c.notifyWG.Done()
		send()
	}()
}

// fail records a step error on the task. Store failures leave the task in
// its phase for the resume sweep; it reports whether the driver may go on.
func (c *Coordinator) fail(ctx context.Context, id string, err error) bool {
	if errors.Is(err, taskstore.ErrUnavailable) || errors.Is(err, taskstore.ErrConflict) {
		c.logger.Warn(ctx, "state store unavailable; task will be resumed", zap.Error(err))
		return false
	}

	kind, detail := domain.OutcomeExternalFailure, err.Error()
	if domain.IsInput(err) {
		kind, detail = domain.OutcomeUnparsableWorkItem, domain.Detail(err)
	}
	c.logger.Error(ctx, "task step failed", zap.String("outcome", string(kind)), zap.Error(err))

	_, cerr := c.commit(ctx, id, "", func(t *domain.Task, now time.Time) error {
		return t.Finish(kind, detail, now)
	})
	if cerr != nil && !errors.Is(cerr, errTerminal) {
		c.logger.Warn(ctx, "recording failure failed; task will be resumed", zap.Error(cerr))
		return false
	}
	return true
}
