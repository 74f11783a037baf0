package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

func TestLoaderLoadEmbedded(t *testing.T) {
	loader := NewLoader()

	for _, name := range []string{Requirements, Plan, Generate, Review} {
		tmpl, meta, err := loader.LoadTemplate(name)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if tmpl == nil || meta == nil {
			t.Fatalf("%s should have a template and frontmatter", name)
		}
		if meta.System == "" {
			t.Errorf("%s has no system message", name)
		}
	}
}

func TestLoaderList(t *testing.T) {
	metas, err := NewLoader().List()
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, m := range metas {
		ids[m.ID] = true
	}
	for _, want := range []string{"requirements", "plan", "generate", "review"} {
		if !ids[want] {
			t.Errorf("List() missing %s", want)
		}
	}
}

func TestRenderGenerateWithFeedback(t *testing.T) {
	loader := NewLoader()

	p, err := loader.Render(Generate, GenerateData{
		Ref:           "acme/widgets#7",
		Title:         "Add math utility",
		Requirements:  domain.Requirements{Summary: "add helper", AcceptanceCriteria: []string{"Add sums"}},
		Plan:          "1. write add.go",
		Iteration:     2,
		MaxIterations: 5,
		Attempt:       1,
		Feedback:      []domain.Feedback{{Iteration: 1, Text: "missing tests"}},
		Problems:      []string{"mathutil/add.go: expected ';'"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(p.System, "expert software engineer") {
		t.Errorf("System = %q", p.System)
	}
	for _, want := range []string{"Iteration 2 of 5", "- Add sums", "missing tests", "expected ';'"} {
		if !strings.Contains(p.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, p.User)
		}
	}
}

func TestRenderReview(t *testing.T) {
	p, err := NewLoader().Render(Review, ReviewData{
		Title:       "Add math utility",
		PullRequest: &domain.PullRequestRef{Number: 12},
		CI:          domain.CIPending,
		Files:       []domain.FileChange{{Path: "a.go", Op: domain.FileWrite, Content: "package a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"#12 Add math utility", "CI status: pending", "=== write a.go ==="} {
		if !strings.Contains(p.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, p.User)
		}
	}
}

func TestLoaderOverride(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "agent"), 0755); err != nil {
		t.Fatal(err)
	}

	custom := "---\nid: plan\nsystem: custom planner\n---\nPLAN FOR {{.Title}}\n"
	if err := os.WriteFile(filepath.Join(tmpDir, "agent", "plan.md"), []byte(custom), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := NewLoader(tmpDir).Render(Plan, PlanData{Title: "X"})
	if err != nil {
		t.Fatal(err)
	}
	if p.System != "custom planner" || p.User != "PLAN FOR X" {
		t.Errorf("override not applied: %+v", p)
	}
}

func TestLoaderMissingTemplate(t *testing.T) {
	if _, err := NewLoader().Execute("agent/nope.md", nil); err == nil {
		t.Error("expected error for missing template")
	}
}

func TestParseFrontmatterWithoutMeta(t *testing.T) {
	meta, body, err := parseFrontmatter([]byte("plain {{.X}}"))
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil || body != "plain {{.X}}" {
		t.Errorf("got (%v, %q)", meta, body)
	}
}
