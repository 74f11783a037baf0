package review

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// FormatFeedback renders the review as the pull request comment
func FormatFeedback(r *domain.Review, iteration, maxIterations int) string {
	var b strings.Builder

	b.WriteString("## Code Review Results\n\n")
	fmt.Fprintf(&b, "### Decision: %s\n\n", strings.ToUpper(string(r.Decision)))
	fmt.Fprintf(&b, "**Score:** %s/10", formatScore(r.Score))
	if maxIterations > 0 {
		fmt.Fprintf(&b, " · **Iteration:** %d/%d", iteration, maxIterations)
	}
	b.WriteString("\n\n")

	b.WriteString("### Summary\n")
	if r.Summary != "" {
		b.WriteString(r.Summary)
	} else {
		b.WriteString("No summary provided.")
	}
	b.WriteString("\n\n")

	if !r.RequirementsMet {
		b.WriteString("**Requirements are not fully met.**\n\n")
	}

	b.WriteString("### Review Comments\n")
	if len(r.Issues) == 0 {
		b.WriteString("\nNo issues found! Code looks good.\n")
	}
	for i, issue := range r.Issues {
		fmt.Fprintf(&b, "\n%d. **[%s]** %s\n", i+1, strings.ToUpper(string(issue.Severity)), issue.Message)
		if loc := issue.Location(); loc != "" {
			fmt.Fprintf(&b, "   - File: %s\n", loc)
		}
		if issue.Suggestion != "" {
			fmt.Fprintf(&b, "   - Suggestion: %s\n", issue.Suggestion)
		}
	}

	if len(r.Positives) > 0 {
		b.WriteString("\n**Positives:**\n")
		for _, p := range r.Positives {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	fmt.Fprintf(&b, "\n### CI/CD Status\n**Status:** %s\n", r.CIStatus)
	switch r.CIStatus {
	case domain.CIFailure:
		b.WriteString("\nCI checks failed. Please fix before merging.\n")
	case domain.CIPending:
		b.WriteString("\nCI checks are still running; review deferred.\n")
	}

	if len(r.Labels) > 0 {
		fmt.Fprintf(&b, "\n**Risk:** %s (%s)\n", r.Category, strings.Join(r.Labels, ", "))
	}
	return b.String()
}

// IssueLines renders issues one per line for the next generation prompt
func IssueLines(issues []domain.ReviewIssue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		line := fmt.Sprintf("[%s] %s", strings.ToUpper(string(issue.Severity)), issue.Message)
		if loc := issue.Location(); loc != "" {
			line += " (" + loc + ")"
		}
		if issue.Suggestion != "" {
			line += " -> " + issue.Suggestion
		}
		out = append(out, line)
	}
	return out
}

func formatScore(s float64) string {
	if s == float64(int(s)) {
		return fmt.Sprintf("%d", int(s))
	}
	return fmt.Sprintf("%.1f", s)
}
