// Package provider defines the source-control capability the orchestrator
// depends on. Concrete providers live in subpackages.
package provider

import (
	"context"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// Publication is a candidate ready to be published as a pull request
type Publication struct {
	ChangeSet *domain.ChangeSet
	Title     string
	Body      string
	// Message is the commit message for the candidate's files
	Message string
}

// Provider is the capability set the coordinator and poller need.
// Implementations classify their failures with the domain error taxonomy.
type Provider interface {
	// FetchWorkItem returns a snapshot of the work item
	FetchWorkItem(ctx context.Context, ref domain.WorkItemRef) (*domain.WorkItem, error)

	// ListNewWorkItems returns open work items of source whose cursor is
	// greater than since, in ascending cursor order. A non-empty labels
	// slice restricts the listing to items carrying all of them.
	ListNewWorkItems(ctx context.Context, source domain.SourceRef, since int64, labels []string) ([]domain.DiscoveredItem, error)

	// PublishArtifact pushes the candidate to the work item's branch and
	// opens a pull request, or updates the one already open for the branch
	PublishArtifact(ctx context.Context, ref domain.WorkItemRef, pub Publication) (*domain.PullRequestRef, error)

	// PostFeedback adds a comment to the pull request
	PostFeedback(ctx context.Context, pr domain.PullRequestRef, text string) error

	// GetCIStatus aggregates CI results for the pull request head
	GetCIStatus(ctx context.Context, pr domain.PullRequestRef) (domain.CIStatus, error)
}

// Merger is implemented by providers that can merge pull requests
type Merger interface {
	Merge(ctx context.Context, pr domain.PullRequestRef, message string) error
}

// Labeler is implemented by providers that can label pull requests
type Labeler interface {
	AddLabels(ctx context.Context, pr domain.PullRequestRef, labels []string) error
}
