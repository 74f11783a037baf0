package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/generation"
	"github.com/hochfrequenz/issue-orchestrator/internal/prompts"
	"github.com/hochfrequenz/issue-orchestrator/internal/review"
)

// Agents bundles the LLM-backed collaborators of the workflows
type Agents struct {
	client  Client
	prompts *prompts.Loader
}

// NewAgents creates agents sharing one client and template loader
func NewAgents(client Client, loader *prompts.Loader) *Agents {
	if loader == nil {
		loader = prompts.NewLoader()
	}
	return &Agents{client: client, prompts: loader}
}

var (
	_ generation.Analyst = (*Agents)(nil)
	_ generation.Coder   = (*Agents)(nil)
	_ review.Critic      = (*Agents)(nil)
)

func (a *Agents) complete(ctx context.Context, template string, data any) (string, error) {
	p, err := a.prompts.Render(template, data)
	if err != nil {
		return "", domain.Permanent("render prompt", err)
	}
	return a.client.Complete(ctx, Request{System: p.System, User: p.User})
}

// decodeObject completes a prompt and decodes the JSON object in the answer.
// Unparseable answers are treated as transient since a fresh sample usually fixes them.
func (a *Agents) decodeObject(ctx context.Context, op, template string, data any) (gjson.Result, error) {
	text, err := a.complete(ctx, template, data)
	if err != nil {
		return gjson.Result{}, err
	}
	obj, err := extractJSON(text)
	if err != nil {
		return gjson.Result{}, domain.Transient(op, fmt.Errorf("%w: %.200q", err, text))
	}
	return obj, nil
}

// Requirements implements generation.Analyst
func (a *Agents) Requirements(ctx context.Context, item *domain.WorkItem, parsed domain.Requirements) (domain.Requirements, error) {
	obj, err := a.decodeObject(ctx, "extract requirements", prompts.Requirements, prompts.RequirementsData{
		Ref:    item.Ref.String(),
		Title:  item.Title,
		Body:   item.Body,
		Parsed: parsed,
	})
	if err != nil {
		return domain.Requirements{}, err
	}

	if !boolean(obj.Get("actionable"), true) {
		detail := strings.TrimSpace(item.Title + "\n" + item.Body)
		return domain.Requirements{}, domain.Input("extract requirements", detail, fmt.Errorf("analyst found no actionable change"))
	}

	return domain.Requirements{
		Summary:            obj.Get("summary").String(),
		AcceptanceCriteria: stringList(obj.Get("acceptance_criteria")),
		FileHints:          stringList(obj.Get("files_affected")),
		Constraints:        stringList(obj.Get("constraints")),
		Language:           strings.ToLower(obj.Get("language").String()),
	}, nil
}

// Plan implements generation.Analyst
func (a *Agents) Plan(ctx context.Context, item *domain.WorkItem) (string, error) {
	text, err := a.complete(ctx, prompts.Plan, prompts.PlanData{
		Ref:          item.Ref.String(),
		Title:        item.Title,
		Requirements: item.Requirements,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Generate implements generation.Coder
func (a *Agents) Generate(ctx context.Context, req generation.Request) (*domain.ChangeSet, error) {
	obj, err := a.decodeObject(ctx, "generate", prompts.Generate, prompts.GenerateData{
		Ref:           req.WorkItem.Ref.String(),
		Title:         req.WorkItem.Title,
		Requirements:  req.WorkItem.Requirements,
		Plan:          req.Plan,
		Iteration:     req.Iteration,
		MaxIterations: req.MaxIterations,
		Attempt:       req.Attempt,
		Feedback:      req.Feedback,
		Problems:      req.Problems,
	})
	if err != nil {
		return nil, err
	}

	cs := &domain.ChangeSet{Summary: obj.Get("summary").String()}
	for _, f := range obj.Get("files").Array() {
		op := domain.FileOp(strings.ToLower(f.Get("op").String()))
		switch op {
		case "", "create", "update", "modify":
			op = domain.FileWrite
		case "remove":
			op = domain.FileDelete
		}
		cs.Files = append(cs.Files, domain.FileChange{
			Path:    strings.TrimPrefix(strings.TrimSpace(f.Get("path").String()), "./"),
			Content: f.Get("content").String(),
			Op:      op,
		})
	}
	return cs, nil
}

// Assess implements review.Critic
func (a *Agents) Assess(ctx context.Context, req review.Request) (*review.Assessment, error) {
	data := prompts.ReviewData{
		Title:         req.WorkItem.Title,
		PullRequest:   req.PullRequest,
		Requirements:  req.WorkItem.Requirements,
		Iteration:     req.Iteration,
		MaxIterations: req.MaxIterations,
		Feedback:      req.PriorFeedback,
		CI:            req.CI,
	}
	if req.ChangeSet != nil {
		data.Summary = req.ChangeSet.Summary
		data.Files = req.ChangeSet.Files
	}

	obj, err := a.decodeObject(ctx, "review", prompts.Review, data)
	if err != nil {
		return nil, err
	}

	s, ok := score(obj.Get("score"))
	if !ok {
		return nil, domain.Transient("review", fmt.Errorf("critic returned no score: %.200q", obj.Raw))
	}
	return &review.Assessment{
		Score:           s,
		Summary:         obj.Get("summary").String(),
		Issues:          reviewIssues(obj.Get("issues")),
		Positives:       stringList(obj.Get("positives")),
		RequirementsMet: boolean(obj.Get("requirements_met"), true),
	}, nil
}
