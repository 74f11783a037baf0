// Package github implements the provider capability on the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/provider"
)

const perPage = 100

// Config configures the GitHub provider
type Config struct {
	Token      string
	BaseURL    string
	BaseBranch string
	// MergeMethod is merge, squash or rebase
	MergeMethod string
}

// Provider talks to GitHub
type Provider struct {
	client      *gh.Client
	baseBranch  string
	mergeMethod string
	logger      *logging.Logger
}

var _ interface {
	provider.Provider
	provider.Merger
	provider.Labeler
} = (*Provider)(nil)

// New creates a provider authenticated with cfg.Token. BaseURL selects a
// GitHub Enterprise instance.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Provider, error) {
	if cfg.Token == "" {
		return nil, errors.New("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := gh.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" && cfg.BaseURL != "https://api.github.com" && cfg.BaseURL != "https://api.github.com/" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing go-github client
func NewWithClient(client *gh.Client, cfg Config, logger *logging.Logger) *Provider {
	if logger == nil {
		logger = logging.Nop()
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}
	method := cfg.MergeMethod
	if method == "" {
		method = "squash"
	}
	return &Provider{client: client, baseBranch: base, mergeMethod: method, logger: logger.Named("github")}
}

// FetchWorkItem implements provider.Provider
func (p *Provider) FetchWorkItem(ctx context.Context, ref domain.WorkItemRef) (*domain.WorkItem, error) {
	issue, resp, err := p.client.Issues.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return nil, classify("fetch work item", resp, err)
	}
	if issue.IsPullRequest() {
		return nil, domain.Input("fetch work item", ref.String(), errors.New("reference points at a pull request"))
	}
	return &domain.WorkItem{
		Ref:       ref,
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Labels:    labelNames(issue.Labels),
		URL:       issue.GetHTMLURL(),
		FetchedAt: time.Now(),
	}, nil
}

// ListNewWorkItems implements provider.Provider. The cursor is the issue
// number, which GitHub assigns in increasing order.
func (p *Provider) ListNewWorkItems(ctx context.Context, source domain.SourceRef, since int64, labels []string) ([]domain.DiscoveredItem, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		Labels:      labels,
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var out []domain.DiscoveredItem
	for {
		issues, resp, err := p.client.Issues.ListByRepo(ctx, source.Owner, source.Repo, opts)
		if err != nil {
			return nil, classify("list work items", resp, err)
		}
		reachedCursor := false
		for _, issue := range issues {
			n := int64(issue.GetNumber())
			if n <= since {
				reachedCursor = true
				continue
			}
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, domain.DiscoveredItem{
				Ref:    domain.WorkItemRef{Owner: source.Owner, Repo: source.Repo, Number: int(n)},
				Cursor: n,
			})
		}
		// Newest first: once a page reaches the cursor, older pages hold nothing new.
		if reachedCursor || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Cursor < out[j].Cursor })
	return out, nil
}

// PublishArtifact implements provider.Provider. Every file is committed to
// the work item's branch; an open pull request for the branch is reused.
func (p *Provider) PublishArtifact(ctx context.Context, ref domain.WorkItemRef, pub provider.Publication) (*domain.PullRequestRef, error) {
	if pub.ChangeSet == nil || len(pub.ChangeSet.Files) == 0 {
		return nil, domain.Permanent("publish artifact", errors.New("empty change set"))
	}
	branch := ref.Branch()
	if err := p.ensureBranch(ctx, ref.Owner, ref.Repo, branch); err != nil {
		return nil, err
	}

	message := pub.Message
	if message == "" {
		message = pub.Title
	}
	for _, f := range pub.ChangeSet.Files {
		if err := p.commitFile(ctx, ref.Owner, ref.Repo, branch, f, message); err != nil {
			return nil, err
		}
	}

	pr, err := p.openPullRequest(ctx, ref, branch, pub)
	if err != nil {
		return nil, err
	}
	return &domain.PullRequestRef{
		Owner:  ref.Owner,
		Repo:   ref.Repo,
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Branch: branch,
	}, nil
}

func (p *Provider) ensureBranch(ctx context.Context, owner, repo, branch string) error {
	_, resp, err := p.client.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err == nil {
		return nil
	}
	if statusCode(resp) != http.StatusNotFound {
		return classify("get branch", resp, err)
	}

	base, resp, err := p.client.Git.GetRef(ctx, owner, repo, "heads/"+p.baseBranch)
	if err != nil {
		return classify("get base branch", resp, err)
	}
	_, resp, err = p.client.Git.CreateRef(ctx, owner, repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: base.GetObject().SHA},
	})
	if err != nil && statusCode(resp) != http.StatusUnprocessableEntity {
		return classify("create branch", resp, err)
	}
	return nil
}

func (p *Provider) commitFile(ctx context.Context, owner, repo, branch string, f domain.FileChange, message string) error {
	existing, _, resp, err := p.client.Repositories.GetContents(ctx, owner, repo, f.Path, &gh.RepositoryContentGetOptions{Ref: branch})
	var sha *string
	switch {
	case err == nil && existing != nil:
		sha = existing.SHA
	case err != nil && statusCode(resp) != http.StatusNotFound:
		return classify("get contents", resp, err)
	}

	opts := &gh.RepositoryContentFileOptions{
		Message: gh.String(message),
		Branch:  gh.String(branch),
		SHA:     sha,
	}
	switch f.Op {
	case domain.FileDelete:
		if sha == nil {
			return nil
		}
		_, resp, err = p.client.Repositories.DeleteFile(ctx, owner, repo, f.Path, opts)
	default:
		opts.Content = []byte(f.Content)
		if sha == nil {
			_, resp, err = p.client.Repositories.CreateFile(ctx, owner, repo, f.Path, opts)
		} else {
			_, resp, err = p.client.Repositories.UpdateFile(ctx, owner, repo, f.Path, opts)
		}
	}
	if err != nil {
		return classify("commit "+f.Path, resp, err)
	}
	return nil
}

func (p *Provider) openPullRequest(ctx context.Context, ref domain.WorkItemRef, branch string, pub provider.Publication) (*gh.PullRequest, error) {
	open, resp, err := p.client.PullRequests.List(ctx, ref.Owner, ref.Repo, &gh.PullRequestListOptions{
		State: "open",
		Head:  ref.Owner + ":" + branch,
	})
	if err != nil {
		return nil, classify("list pull requests", resp, err)
	}
	if len(open) > 0 {
		pr, resp, err := p.client.PullRequests.Edit(ctx, ref.Owner, ref.Repo, open[0].GetNumber(), &gh.PullRequest{
			Title: gh.String(pub.Title),
			Body:  gh.String(pub.Body),
		})
		if err != nil {
			return nil, classify("update pull request", resp, err)
		}
		return pr, nil
	}

	pr, resp, err := p.client.PullRequests.Create(ctx, ref.Owner, ref.Repo, &gh.NewPullRequest{
		Title: gh.String(pub.Title),
		Head:  gh.String(branch),
		Base:  gh.String(p.baseBranch),
		Body:  gh.String(pub.Body),
	})
	if err != nil {
		return nil, classify("create pull request", resp, err)
	}
	p.logger.Info(ctx, "opened pull request", zap.String("pr", pr.GetHTMLURL()))
	return pr, nil
}

// PostFeedback implements provider.Provider
func (p *Provider) PostFeedback(ctx context.Context, pr domain.PullRequestRef, text string) error {
	_, resp, err := p.client.Issues.CreateComment(ctx, pr.Owner, pr.Repo, pr.Number, &gh.IssueComment{Body: gh.String(text)})
	if err != nil {
		return classify("post feedback", resp, err)
	}
	return nil
}

// GetCIStatus implements provider.Provider. Commit statuses and check runs
// are combined; a head without any CI signal counts as success.
func (p *Provider) GetCIStatus(ctx context.Context, pr domain.PullRequestRef) (domain.CIStatus, error) {
	pull, resp, err := p.client.PullRequests.Get(ctx, pr.Owner, pr.Repo, pr.Number)
	if err != nil {
		return "", classify("get pull request", resp, err)
	}
	sha := pull.GetHead().GetSHA()

	var failed, pending bool
	combined, resp, err := p.client.Repositories.GetCombinedStatus(ctx, pr.Owner, pr.Repo, sha, nil)
	if err != nil {
		return "", classify("get combined status", resp, err)
	}
	switch combined.GetState() {
	case "failure", "error":
		failed = true
	case "pending":
		pending = combined.GetTotalCount() > 0
	}

	runs, resp, err := p.client.Checks.ListCheckRunsForRef(ctx, pr.Owner, pr.Repo, sha, &gh.ListCheckRunsOptions{
		ListOptions: gh.ListOptions{PerPage: perPage},
	})
	switch {
	case err == nil:
		for _, run := range runs.CheckRuns {
			if run.GetStatus() != "completed" {
				pending = true
				continue
			}
			switch run.GetConclusion() {
			case "failure", "timed_out", "cancelled", "action_required":
				failed = true
			}
		}
	case statusCode(resp) == http.StatusForbidden || statusCode(resp) == http.StatusNotFound:
		// Tokens without checks permission only see commit statuses.
	default:
		return "", classify("list check runs", resp, err)
	}

	switch {
	case failed:
		return domain.CIFailure, nil
	case pending:
		return domain.CIPending, nil
	}
	return domain.CISuccess, nil
}

// Merge implements provider.Merger
func (p *Provider) Merge(ctx context.Context, pr domain.PullRequestRef, message string) error {
	_, resp, err := p.client.PullRequests.Merge(ctx, pr.Owner, pr.Repo, pr.Number, message, &gh.PullRequestOptions{
		MergeMethod: p.mergeMethod,
	})
	if err != nil {
		return classify("merge pull request", resp, err)
	}
	return nil
}

// AddLabels implements provider.Labeler
func (p *Provider) AddLabels(ctx context.Context, pr domain.PullRequestRef, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, resp, err := p.client.Issues.AddLabelsToIssue(ctx, pr.Owner, pr.Repo, pr.Number, labels)
	if err != nil {
		return classify("add labels", resp, err)
	}
	return nil
}

func labelNames(labels []*gh.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.GetName())
	}
	return names
}

// HasLabel reports whether labels contains name, ignoring case
func HasLabel(labels []*gh.Label, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l.GetName(), name) {
			return true
		}
	}
	return false
}
