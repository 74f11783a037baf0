package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/generation"
	"github.com/hochfrequenz/issue-orchestrator/internal/prompts"
	"github.com/hochfrequenz/issue-orchestrator/internal/review"
)

func answering(text string) (Client, *[]Request) {
	var seen []Request
	return ClientFunc(func(_ context.Context, req Request) (string, error) {
		seen = append(seen, req)
		return text, nil
	}), &seen
}

var item = &domain.WorkItem{
	Ref:   domain.WorkItemRef{Owner: "acme", Repo: "calc", Number: 3},
	Title: "Add math utility",
	Body:  "Provide an Add function.",
	Requirements: domain.Requirements{
		Summary:            "Add math utility",
		AcceptanceCriteria: []string{"Add(2, 3) returns 5"},
	},
}

func TestAgents_Requirements(t *testing.T) {
	client, seen := answering("```json\n" + `{
		"summary": "Provide Add",
		"acceptance_criteria": ["Add(2, 3) returns 5", "has tests"],
		"files_affected": ["mathutil/add.go"],
		"constraints": "no deps",
		"language": "Go",
		"actionable": true
	}` + "\n```")
	agents := NewAgents(client, prompts.NewLoader())

	req, err := agents.Requirements(context.Background(), item, item.Requirements)
	require.NoError(t, err)
	assert.Equal(t, "Provide Add", req.Summary)
	assert.Equal(t, []string{"Add(2, 3) returns 5", "has tests"}, req.AcceptanceCriteria)
	assert.Equal(t, []string{"mathutil/add.go"}, req.FileHints)
	assert.Equal(t, []string{"no deps"}, req.Constraints)
	assert.Equal(t, "go", req.Language)

	require.Len(t, *seen, 1)
	assert.Contains(t, (*seen)[0].User, "Provide an Add function.")
	assert.NotEmpty(t, (*seen)[0].System)
}

func TestAgents_RequirementsNotActionable(t *testing.T) {
	client, _ := answering(`{"summary": "", "actionable": false}`)
	agents := NewAgents(client, nil)

	_, err := agents.Requirements(context.Background(), item, item.Requirements)
	require.Error(t, err)
	assert.True(t, domain.IsInput(err))
}

func TestAgents_UndecodableAnswerIsTransient(t *testing.T) {
	client, _ := answering("I would rather not.")
	agents := NewAgents(client, nil)

	_, err := agents.Generate(context.Background(), generation.Request{WorkItem: *item, Iteration: 1, MaxIterations: 5, Attempt: 1})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestAgents_ClientErrorPassesThrough(t *testing.T) {
	boom := domain.Permanent("llm", errors.New("401 unauthorized"))
	agents := NewAgents(ClientFunc(func(context.Context, Request) (string, error) { return "", boom }), nil)

	_, err := agents.Plan(context.Background(), item)
	assert.ErrorIs(t, err, boom)
}

func TestAgents_Plan(t *testing.T) {
	client, _ := answering("\n1. Create mathutil/add.go\n2. Add tests\n\n")
	agents := NewAgents(client, nil)

	plan, err := agents.Plan(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "1. Create mathutil/add.go\n2. Add tests", plan)
}

func TestAgents_Generate(t *testing.T) {
	client, seen := answering(`{
		"summary": "Add function",
		"files": [
			{"path": "./mathutil/add.go", "content": "package mathutil\n"},
			{"path": "old.go", "op": "remove"},
			{"path": "mathutil/add_test.go", "op": "create", "content": "package mathutil\n"}
		]
	}`)
	agents := NewAgents(client, nil)

	cs, err := agents.Generate(context.Background(), generation.Request{
		WorkItem:      *item,
		Plan:          "1. do it",
		Iteration:     2,
		MaxIterations: 5,
		Attempt:       1,
		Feedback:      []domain.Feedback{{Iteration: 1, Text: "missing tests for negative numbers"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Add function", cs.Summary)
	require.Len(t, cs.Files, 3)
	assert.Equal(t, domain.FileChange{Path: "mathutil/add.go", Content: "package mathutil\n", Op: domain.FileWrite}, cs.Files[0])
	assert.Equal(t, domain.FileDelete, cs.Files[1].Op)
	assert.Equal(t, domain.FileWrite, cs.Files[2].Op)

	assert.True(t, strings.Contains((*seen)[0].User, "missing tests for negative numbers"), "feedback reaches the prompt")
}

func TestAgents_Assess(t *testing.T) {
	client, _ := answering(`{
		"score": "8.5/10",
		"summary": "Solid",
		"issues": [{"severity": "minor", "message": "doc comment", "file": "mathutil/add.go", "line": 1}],
		"positives": ["tests included"]
	}`)
	agents := NewAgents(client, nil)

	a, err := agents.Assess(context.Background(), review.Request{
		WorkItem:      *item,
		ChangeSet:     &domain.ChangeSet{Summary: "Add", Files: []domain.FileChange{{Path: "mathutil/add.go", Content: "package mathutil\n", Op: domain.FileWrite}}},
		CI:            domain.CISuccess,
		Iteration:     1,
		MaxIterations: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 8.5, a.Score)
	assert.True(t, a.RequirementsMet)
	assert.Equal(t, []string{"tests included"}, a.Positives)
	require.Len(t, a.Issues, 1)
	assert.Equal(t, "mathutil/add.go:1", a.Issues[0].Location())
}

func TestAgents_AssessWithoutScore(t *testing.T) {
	client, _ := answering(`{"summary": "looks fine"}`)
	agents := NewAgents(client, nil)

	_, err := agents.Assess(context.Background(), review.Request{WorkItem: *item, ChangeSet: &domain.ChangeSet{}})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}
