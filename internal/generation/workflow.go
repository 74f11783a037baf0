// Package generation takes a work item to a validated candidate change set.
package generation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/parser"
)

// Analyst refines requirements and plans the implementation
type Analyst interface {
	Requirements(ctx context.Context, item *domain.WorkItem, parsed domain.Requirements) (domain.Requirements, error)
	Plan(ctx context.Context, item *domain.WorkItem) (string, error)
}

// Coder produces candidate change sets
type Coder interface {
	Generate(ctx context.Context, req Request) (*domain.ChangeSet, error)
}

// Request is the generation context for one attempt
type Request struct {
	WorkItem      domain.WorkItem
	Plan          string
	Iteration     int
	MaxIterations int
	Attempt       int
	Feedback      []domain.Feedback
	Problems      []string
}

// Workflow runs the individual generation steps. Phase bookkeeping stays
// with the caller so every step boundary is a checkpoint.
type Workflow struct {
	analyst   Analyst
	coder     Coder
	validator *Validator
}

// NewWorkflow creates a generation workflow. analyst may be nil, in which
// case requirements come from the deterministic parser alone and the plan
// is derived from them.
func NewWorkflow(analyst Analyst, coder Coder, validator *Validator) *Workflow {
	if validator == nil {
		validator = NewValidator()
	}
	return &Workflow{analyst: analyst, coder: coder, validator: validator}
}

// ParseResult is the outcome of the parsing step
type ParseResult struct {
	Requirements  domain.Requirements
	MaxIterations int
}

// Parse extracts structured requirements from item. Input errors mean the
// work item cannot be acted on.
func (w *Workflow) Parse(ctx context.Context, item *domain.WorkItem) (*ParseResult, error) {
	parsed, err := parser.ParseWorkItem(item.Title, item.Body)
	if err != nil {
		return nil, err
	}
	req := parsed.Requirements

	if w.analyst != nil {
		refined, err := w.analyst.Requirements(ctx, item, req)
		if err != nil {
			return nil, err
		}
		req = merge(req, refined)
	}
	if req.Empty() {
		return nil, domain.Input("parse work item", item.Title+"\n"+item.Body, errors.New("no actionable requirements"))
	}
	return &ParseResult{Requirements: req, MaxIterations: parsed.MaxIterations}, nil
}

// Plan produces the implementation plan
func (w *Workflow) Plan(ctx context.Context, item *domain.WorkItem) (string, error) {
	if w.analyst == nil {
		return FallbackPlan(item.Requirements), nil
	}
	plan, err := w.analyst.Plan(ctx, item)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(plan) == "" {
		return FallbackPlan(item.Requirements), nil
	}
	return plan, nil
}

// Generate asks the coder for a candidate
func (w *Workflow) Generate(ctx context.Context, req Request) (*domain.ChangeSet, error) {
	cs, err := w.coder.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		cs = &domain.ChangeSet{}
	}
	cs.Iteration = req.Iteration
	cs.Attempt = req.Attempt
	return cs, nil
}

// Validate runs the static gate and returns the problems found
func (w *Workflow) Validate(cs *domain.ChangeSet) []string {
	return w.validator.Validate(cs)
}

// FallbackPlan derives a plan directly from the requirements
func FallbackPlan(req domain.Requirements) string {
	var b strings.Builder
	fmt.Fprintf(&b, "1. Implement: %s\n", req.Summary)
	n := 2
	for _, f := range req.FileHints {
		fmt.Fprintf(&b, "%d. Update %s\n", n, f)
		n++
	}
	for _, c := range req.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. Verify: %s\n", n, c)
		n++
	}
	return b.String()
}

func merge(parsed, refined domain.Requirements) domain.Requirements {
	out := refined
	if strings.TrimSpace(out.Summary) == "" {
		out.Summary = parsed.Summary
	}
	if len(out.AcceptanceCriteria) == 0 {
		out.AcceptanceCriteria = parsed.AcceptanceCriteria
	}
	out.FileHints = union(parsed.FileHints, refined.FileHints)
	out.Constraints = union(parsed.Constraints, refined.Constraints)
	if parsed.Language != "" {
		out.Language = parsed.Language
	}
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
