// Package prbot renders pull request text and classifies change risk.
package prbot

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

const attribution = "Autonomous implementation by issue-orchestrator"

// Title returns the pull request title for a task
func Title(task *domain.Task) string {
	title := fmt.Sprintf("Issue #%d", task.WorkItemRef.Number)
	if task.WorkItem != nil && task.WorkItem.Title != "" {
		title = task.WorkItem.Title
	}
	return fmt.Sprintf("feat: %s (closes #%d)", title, task.WorkItemRef.Number)
}

// BuildPRBody constructs the PR body
func BuildPRBody(task *domain.Task, cs *domain.ChangeSet) string {
	var b strings.Builder

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "Implements #%d", task.WorkItemRef.Number)
	if task.WorkItem != nil && task.WorkItem.Title != "" {
		fmt.Fprintf(&b, ": %s", task.WorkItem.Title)
	}
	b.WriteString("\n")
	if cs != nil && cs.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", cs.Summary)
	}

	if task.WorkItem != nil && len(task.WorkItem.Requirements.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Requirements\n")
		for _, c := range task.WorkItem.Requirements.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
	}

	if task.Plan != "" {
		fmt.Fprintf(&b, "\n## Plan\n%s\n", strings.TrimSpace(task.Plan))
	}

	b.WriteString("\n## Changes\n")
	if cs != nil {
		for _, f := range cs.Files {
			op := "update"
			if f.Op == domain.FileDelete {
				op = "delete"
			}
			fmt.Fprintf(&b, "- `%s` (%s)\n", f.Path, op)
		}
	}

	b.WriteString("\n## Validation\n")
	fmt.Fprintf(&b, "- Iteration %d of %d\n", task.Iteration, task.MaxIterations)
	if task.ValidationAttempts > 0 {
		fmt.Fprintf(&b, "- Passed after %d rejected candidate(s)\n", task.ValidationAttempts)
	} else {
		b.WriteString("- Passed on first candidate\n")
	}

	fmt.Fprintf(&b, "\nCloses #%d\n\n---\n%s\n", task.WorkItemRef.Number, attribution)
	return b.String()
}
