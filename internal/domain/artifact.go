package domain

import "sort"

// FileOp is the kind of change applied to one file
type FileOp string

const (
	FileWrite  FileOp = "write"
	FileDelete FileOp = "delete"
)

// FileChange is one file of a generated change set
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Op      FileOp `json:"op"`
}

// ChangeSet is a generated candidate artifact
type ChangeSet struct {
	TaskID    string       `json:"task_id"`
	Iteration int          `json:"iteration"`
	Attempt   int          `json:"attempt"`
	Summary   string       `json:"summary"`
	Files     []FileChange `json:"files"`
}

// Paths returns the sorted list of touched paths
func (c *ChangeSet) Paths() []string {
	paths := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	return paths
}

// PullRequestRef identifies a published artifact on the provider
type PullRequestRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch,omitempty"`
}
