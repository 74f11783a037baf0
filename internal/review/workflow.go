package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/prbot"
)

// Request is everything the critic sees for one review pass
type Request struct {
	WorkItem      domain.WorkItem
	Plan          string
	ChangeSet     *domain.ChangeSet
	PullRequest   *domain.PullRequestRef
	CI            domain.CIStatus
	PriorFeedback []domain.Feedback
	Iteration     int
	MaxIterations int
}

// Critic produces an assessment of a candidate
type Critic interface {
	Assess(ctx context.Context, req Request) (*Assessment, error)
}

// Workflow runs the critic and applies the decision table
type Workflow struct {
	critic Critic
}

// NewWorkflow creates a review workflow around critic
func NewWorkflow(critic Critic) *Workflow {
	return &Workflow{critic: critic}
}

// Review evaluates req.ChangeSet and returns the decided review with its
// rendered feedback comment. Critic errors are returned unchanged so the
// caller can classify and retry them.
func (w *Workflow) Review(ctx context.Context, req Request) (*domain.Review, error) {
	if req.ChangeSet == nil {
		return nil, domain.Permanent("review", errors.New("no candidate to review"))
	}

	a, err := w.critic.Assess(ctx, req)
	if err != nil {
		return nil, err
	}
	if a.Score < 0 || a.Score > 10 {
		return nil, domain.Transient("review", fmt.Errorf("critic score %v outside 0..10", a.Score))
	}

	category := prbot.AnalyzeChangeSet(req.ChangeSet)
	r := &domain.Review{
		Decision:        Decide(*a, req.CI),
		Score:           a.Score,
		Issues:          a.Issues,
		Positives:       a.Positives,
		RequirementsMet: a.RequirementsMet,
		Summary:         a.Summary,
		CIStatus:        req.CI,
		Category:        string(category),
		Labels:          prbot.GetLabels(category),
	}
	r.Feedback = FormatFeedback(r, req.Iteration, req.MaxIterations)
	return r, nil
}

// AutoMergeEligible reports whether an approved review may be merged without a human
func AutoMergeEligible(r *domain.Review) bool {
	if r == nil || r.Decision != domain.DecisionApprove || r.CIStatus != domain.CISuccess {
		return false
	}
	return prbot.ShouldAutoMerge(prbot.Category(r.Category), false)
}
