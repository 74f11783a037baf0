package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// Fake is an in-memory Provider for tests and dry runs
type Fake struct {
	mu       sync.Mutex
	items    map[domain.WorkItemRef]*domain.WorkItem
	prs      map[string]*FakePR
	nextPR   int
	ci       []domain.CIStatus
	failures map[string][]error
	calls    map[string]int
	blocked  map[string]chan struct{}
}

// FakePR is a pull request recorded by Fake
type FakePR struct {
	Ref       domain.PullRequestRef
	Title     string
	Body      string
	Files     map[string]string
	Comments  []string
	Labels    []string
	Merged    bool
	Publishes int
}

var _ interface {
	Provider
	Merger
	Labeler
} = (*Fake)(nil)

// NewFake creates an empty fake provider
func NewFake() *Fake {
	return &Fake{
		items:    make(map[domain.WorkItemRef]*domain.WorkItem),
		prs:      make(map[string]*FakePR),
		nextPR:   100,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		blocked:  make(map[string]chan struct{}),
	}
}

// AddWorkItem registers an open work item
func (f *Fake) AddWorkItem(ref domain.WorkItemRef, title, body string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[ref] = &domain.WorkItem{Ref: ref, Title: title, Body: body, Labels: labels}
}

// SetCIStatuses scripts the CI answers; the last one repeats
func (f *Fake) SetCIStatuses(statuses ...domain.CIStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ci = statuses
}

// FailNext makes the next calls of op return errs in order.
// op is the method name, e.g. "PublishArtifact".
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Block makes calls of op wait until the returned function is called
// or the call's context ends
func (f *Fake) Block(op string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.blocked[op] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.blocked, op)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how often op was invoked
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// PullRequest returns a copy of the PR opened for the work item
func (f *Fake) PullRequest(ref domain.WorkItemRef) (*FakePR, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[ref.String()]
	if !ok {
		return nil, false
	}
	cp := *pr
	cp.Comments = slices.Clone(pr.Comments)
	cp.Labels = slices.Clone(pr.Labels)
	return &cp, true
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	wait := f.blocked[op]
	f.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return ctx.Err()
}

// FetchWorkItem implements Provider
func (f *Fake) FetchWorkItem(ctx context.Context, ref domain.WorkItemRef) (*domain.WorkItem, error) {
	if err := f.enter(ctx, "FetchWorkItem"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[ref]
	if !ok {
		return nil, domain.Permanent("fetch work item", fmt.Errorf("%s not found", ref))
	}
	cp := *item
	cp.FetchedAt = time.Now()
	return &cp, nil
}

// ListNewWorkItems implements Provider
func (f *Fake) ListNewWorkItems(ctx context.Context, source domain.SourceRef, since int64, labels []string) ([]domain.DiscoveredItem, error) {
	if err := f.enter(ctx, "ListNewWorkItems"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.DiscoveredItem
	for ref, item := range f.items {
		if ref.Source() != source || int64(ref.Number) <= since {
			continue
		}
		if !hasAll(item.Labels, labels) {
			continue
		}
		out = append(out, domain.DiscoveredItem{Ref: ref, Cursor: int64(ref.Number)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor < out[j].Cursor })
	return out, nil
}

// PublishArtifact implements Provider
func (f *Fake) PublishArtifact(ctx context.Context, ref domain.WorkItemRef, pub Publication) (*domain.PullRequestRef, error) {
	if err := f.enter(ctx, "PublishArtifact"); err != nil {
		return nil, err
	}
	if pub.ChangeSet == nil {
		return nil, domain.Permanent("publish artifact", errors.New("no change set"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pr, ok := f.prs[ref.String()]
	if !ok {
		f.nextPR++
		pr = &FakePR{
			Ref: domain.PullRequestRef{
				Owner:  ref.Owner,
				Repo:   ref.Repo,
				Number: f.nextPR,
				Branch: ref.Branch(),
				URL:    fmt.Sprintf("https://example.test/%s/%s/pull/%d", ref.Owner, ref.Repo, f.nextPR),
			},
			Files: make(map[string]string),
		}
		f.prs[ref.String()] = pr
	}
	pr.Title = pub.Title
	pr.Body = pub.Body
	pr.Publishes++
	for _, file := range pub.ChangeSet.Files {
		if file.Op == domain.FileDelete {
			delete(pr.Files, file.Path)
			continue
		}
		pr.Files[file.Path] = file.Content
	}
	out := pr.Ref
	return &out, nil
}

// PostFeedback implements Provider
func (f *Fake) PostFeedback(ctx context.Context, pr domain.PullRequestRef, text string) error {
	if err := f.enter(ctx, "PostFeedback"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.byNumber(pr)
	if p == nil {
		return domain.Permanent("post feedback", fmt.Errorf("pull request #%d not found", pr.Number))
	}
	p.Comments = append(p.Comments, text)
	return nil
}

// GetCIStatus implements Provider
func (f *Fake) GetCIStatus(ctx context.Context, pr domain.PullRequestRef) (domain.CIStatus, error) {
	if err := f.enter(ctx, "GetCIStatus"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch len(f.ci) {
	case 0:
		return domain.CISuccess, nil
	case 1:
		return f.ci[0], nil
	}
	status := f.ci[0]
	f.ci = f.ci[1:]
	return status, nil
}

// Merge implements Merger
func (f *Fake) Merge(ctx context.Context, pr domain.PullRequestRef, _ string) error {
	if err := f.enter(ctx, "Merge"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.byNumber(pr); p != nil {
		p.Merged = true
	}
	return nil
}

// AddLabels implements Labeler
func (f *Fake) AddLabels(ctx context.Context, pr domain.PullRequestRef, labels []string) error {
	if err := f.enter(ctx, "AddLabels"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.byNumber(pr); p != nil {
		for _, l := range labels {
			if !slices.Contains(p.Labels, l) {
				p.Labels = append(p.Labels, l)
			}
		}
	}
	return nil
}

func (f *Fake) byNumber(pr domain.PullRequestRef) *FakePR {
	for _, p := range f.prs {
		if p.Ref.Owner == pr.Owner && p.Ref.Repo == pr.Repo && p.Ref.Number == pr.Number {
			return p
		}
	}
	return nil
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
