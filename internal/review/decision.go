// Package review evaluates a candidate change set and decides whether the
// task is approved or needs another iteration.
package review

import "github.com/hochfrequenz/issue-orchestrator/internal/domain"

// Score thresholds of the decision table
const (
	ApproveScore = 8.0
	CommentScore = 7.0
)

// Assessment is the critic's raw verdict before policy is applied
type Assessment struct {
	Score           float64              `json:"score"`
	Issues          []domain.ReviewIssue `json:"issues,omitempty"`
	Positives       []string             `json:"positives,omitempty"`
	RequirementsMet bool                 `json:"requirements_met"`
	Summary         string               `json:"summary"`
}

// Decide applies the decision table. CI gating comes first: a failing CI run
// always requests changes and a pending one always defers with a comment.
func Decide(a Assessment, ci domain.CIStatus) domain.ReviewDecision {
	switch ci {
	case domain.CIFailure:
		return domain.DecisionRequestChanges
	case domain.CIPending:
		return domain.DecisionComment
	}

	var critical, major int
	for _, issue := range a.Issues {
		switch issue.Severity {
		case domain.SeverityCritical:
			critical++
		case domain.SeverityMajor:
			major++
		}
	}

	switch {
	case critical > 0:
		return domain.DecisionRequestChanges
	case !a.RequirementsMet:
		return domain.DecisionRequestChanges
	case a.Score >= ApproveScore && major == 0:
		return domain.DecisionApprove
	case a.Score >= CommentScore:
		return domain.DecisionComment
	default:
		return domain.DecisionRequestChanges
	}
}
