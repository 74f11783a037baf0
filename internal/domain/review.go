package domain

import "strconv"

// ReviewIssue is one finding of a review, tagged with severity
type ReviewIssue struct {
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Location renders file:line, or just the file
func (i ReviewIssue) Location() string {
	if i.File == "" {
		return ""
	}
	if i.Line > 0 {
		return i.File + ":" + strconv.Itoa(i.Line)
	}
	return i.File
}

// Review is the result of the review workflow for one candidate
type Review struct {
	Decision        ReviewDecision `json:"decision"`
	Score           float64        `json:"score"`
	Issues          []ReviewIssue  `json:"issues,omitempty"`
	Positives       []string       `json:"positives,omitempty"`
	RequirementsMet bool           `json:"requirements_met"`
	Summary         string         `json:"summary"`
	CIStatus        CIStatus       `json:"ci_status"`
	Category        string         `json:"category,omitempty"`
	Labels          []string       `json:"labels,omitempty"`
	Feedback        string         `json:"feedback"`
	FeedbackPosted  bool           `json:"feedback_posted"`
}

// CountSeverity returns how many issues carry the given severity
func (r Review) CountSeverity(s Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == s {
			n++
		}
	}
	return n
}
