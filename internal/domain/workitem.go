package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	workItemRefRegex = regexp.MustCompile(`^([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)#(\d+)$`)
	sourceRefRegex   = regexp.MustCompile(`^([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)$`)
)

// SourceRef identifies a repository on the provider
type SourceRef struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// ParseSourceRef parses "owner/repo"
func ParseSourceRef(s string) (SourceRef, error) {
	m := sourceRefRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return SourceRef{}, fmt.Errorf("invalid source ref %q (expected owner/repo)", s)
	}
	return SourceRef{Owner: m[1], Repo: m[2]}, nil
}

func (s SourceRef) String() string {
	return s.Owner + "/" + s.Repo
}

// IsZero reports whether the ref is unset
func (s SourceRef) IsZero() bool {
	return s.Owner == "" && s.Repo == ""
}

// WorkItemRef identifies one work item (an issue) within a source
type WorkItemRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// ParseWorkItemRef parses "owner/repo#123"
func ParseWorkItemRef(s string) (WorkItemRef, error) {
	m := workItemRefRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return WorkItemRef{}, fmt.Errorf("invalid work item ref %q (expected owner/repo#number)", s)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return WorkItemRef{}, fmt.Errorf("invalid work item number in %q", s)
	}
	return WorkItemRef{Owner: m[1], Repo: m[2], Number: n}, nil
}

func (r WorkItemRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// Source returns the repository the work item lives in
func (r WorkItemRef) Source() SourceRef {
	return SourceRef{Owner: r.Owner, Repo: r.Repo}
}

// Branch returns the branch name used for artifacts of this work item
func (r WorkItemRef) Branch() string {
	return fmt.Sprintf("agent/issue-%d", r.Number)
}

// WorkItem is a read-only snapshot of the triggering issue
type WorkItem struct {
	Ref          WorkItemRef  `json:"ref"`
	Title        string       `json:"title"`
	Body         string       `json:"body"`
	Labels       []string     `json:"labels,omitempty"`
	URL          string       `json:"url,omitempty"`
	Requirements Requirements `json:"requirements"`
	FetchedAt    time.Time    `json:"fetched_at"`
}

// Requirements is the structured extraction of a work item
type Requirements struct {
	Summary            string   `json:"summary"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	FileHints          []string `json:"file_hints,omitempty"`
	Constraints        []string `json:"constraints,omitempty"`
	Language           string   `json:"language,omitempty"`
}

// Empty reports whether nothing actionable was extracted
func (r Requirements) Empty() bool {
	return strings.TrimSpace(r.Summary) == "" && len(r.AcceptanceCriteria) == 0
}

// DiscoveredItem is a work item found by a source listing, with its cursor position
type DiscoveredItem struct {
	Ref    WorkItemRef `json:"ref"`
	Cursor int64       `json:"cursor"`
}
