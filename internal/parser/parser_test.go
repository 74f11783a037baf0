package parser

import (
	"reflect"
	"testing"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

func TestParseWorkItem(t *testing.T) {
	body := `---
language: go
max_iterations: 3
---
Add a small math utility package for integer helpers.

It is used by the reporting code.

## Acceptance Criteria

- [ ] ` + "`Add(a, b int) int`" + ` returns the sum
- [x] Covered by table tests
1. Lives in the mathutil package

## Affected files

- ` + "`mathutil/add.go`" + `
- mathutil/add_test.go

## Constraints
* no new dependencies

` + "```go" + `
// ## Not a heading
func Add(a, b int) int
` + "```" + `
`

	parsed, err := ParseWorkItem("Add math utility", body)
	if err != nil {
		t.Fatal(err)
	}
	req := parsed.Requirements

	if req.Summary != "Add math utility: Add a small math utility package for integer helpers." {
		t.Errorf("Summary = %q", req.Summary)
	}
	wantCriteria := []string{"`Add(a, b int) int` returns the sum", "Covered by table tests", "Lives in the mathutil package"}
	if !reflect.DeepEqual(req.AcceptanceCriteria, wantCriteria) {
		t.Errorf("AcceptanceCriteria = %q, want %q", req.AcceptanceCriteria, wantCriteria)
	}
	wantFiles := []string{"mathutil/add.go", "mathutil/add_test.go"}
	if !reflect.DeepEqual(req.FileHints, wantFiles) {
		t.Errorf("FileHints = %q, want %q", req.FileHints, wantFiles)
	}
	if !reflect.DeepEqual(req.Constraints, []string{"no new dependencies"}) {
		t.Errorf("Constraints = %q", req.Constraints)
	}
	if req.Language != "go" {
		t.Errorf("Language = %q, want go", req.Language)
	}
	if parsed.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", parsed.MaxIterations)
	}
}

func TestParseWorkItem_TitleOnly(t *testing.T) {
	parsed, err := ParseWorkItem("Fix typo in README", "")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Requirements.Summary != "Fix typo in README" {
		t.Errorf("Summary = %q", parsed.Requirements.Summary)
	}
}

func TestParseWorkItem_LanguageFromHints(t *testing.T) {
	parsed, err := ParseWorkItem("Speed up loader", "Touches `app/loader.py` only.")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Requirements.Language != "python" {
		t.Errorf("Language = %q, want python", parsed.Requirements.Language)
	}
}

func TestParseWorkItem_InputErrors(t *testing.T) {
	tests := []struct {
		name  string
		title string
		body  string
	}{
		{"empty", "  ", "\n\n"},
		{"bad frontmatter", "Title", "---\nfiles: [unclosed\n---\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorkItem(tt.title, tt.body)
			if !domain.IsInput(err) {
				t.Fatalf("error = %v, want input error", err)
			}
			if domain.Detail(err) == "" {
				t.Error("input error should carry the originating text")
			}
		})
	}
}

func TestParseWorkItem_ClampsMaxIterations(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"3", 3},
		{"50", domain.MaxIterationsLimit},
		{"-2", 1},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			parsed, err := ParseWorkItem("Title", "---\nmax_iterations: "+tt.value+"\n---\nAdd a helper.")
			if err != nil {
				t.Fatal(err)
			}
			if parsed.MaxIterations != tt.want {
				t.Errorf("MaxIterations = %d, want %d", parsed.MaxIterations, tt.want)
			}
		})
	}
}

func TestParseFrontmatter_NoFrontmatter(t *testing.T) {
	fm, rest, err := ParseFrontmatter([]byte("# Heading\nbody"))
	if err != nil {
		t.Fatal(err)
	}
	if fm.Language != "" || string(rest) != "# Heading\nbody" {
		t.Errorf("got (%+v, %q)", fm, rest)
	}
}
