package generation

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// Validator is the static gate a candidate must pass before it is published
type Validator struct {
	MaxFiles     int
	MaxFileBytes int
}

// NewValidator returns a validator with default limits
func NewValidator() *Validator {
	return &Validator{MaxFiles: 50, MaxFileBytes: 512 * 1024}
}

// Validate returns every problem found in cs; an empty result means it passed
func (v *Validator) Validate(cs *domain.ChangeSet) []string {
	if cs == nil || len(cs.Files) == 0 {
		return []string{"change set contains no files"}
	}

	var problems []string
	if v.MaxFiles > 0 && len(cs.Files) > v.MaxFiles {
		problems = append(problems, fmt.Sprintf("change set touches %d files (limit %d)", len(cs.Files), v.MaxFiles))
	}

	seen := make(map[string]bool, len(cs.Files))
	for _, f := range cs.Files {
		if p := checkPath(f.Path); p != "" {
			problems = append(problems, p)
			continue
		}
		if seen[f.Path] {
			problems = append(problems, f.Path+": listed more than once")
			continue
		}
		seen[f.Path] = true

		switch f.Op {
		case domain.FileDelete:
			continue
		case domain.FileWrite, "":
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown operation %q", f.Path, f.Op))
			continue
		}

		if strings.TrimSpace(f.Content) == "" {
			problems = append(problems, f.Path+": empty content")
			continue
		}
		if v.MaxFileBytes > 0 && len(f.Content) > v.MaxFileBytes {
			problems = append(problems, fmt.Sprintf("%s: %d bytes exceeds limit %d", f.Path, len(f.Content), v.MaxFileBytes))
			continue
		}
		if hasConflictMarkers(f.Content) {
			problems = append(problems, f.Path+": contains merge conflict markers")
			continue
		}
		if p := checkSyntax(f.Path, f.Content); p != "" {
			problems = append(problems, p)
		}
	}
	return problems
}

func checkPath(p string) string {
	switch {
	case strings.TrimSpace(p) == "":
		return "file with empty path"
	case strings.HasPrefix(p, "/"), strings.Contains(p, `\`):
		return p + ": path must be relative and use forward slashes"
	case path.Clean(p) != p, strings.HasPrefix(p, "../"), p == "..":
		return p + ": path must be clean and stay inside the repository"
	case p == ".git" || strings.HasPrefix(p, ".git/"):
		return p + ": must not touch .git"
	}
	return ""
}

func hasConflictMarkers(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "<<<<<<< ") || strings.HasPrefix(line, ">>>>>>> ") {
			return true
		}
	}
	return false
}

func checkSyntax(name, content string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext != ".md" && strings.HasPrefix(strings.TrimSpace(content), "```") {
		return name + ": content is wrapped in a Markdown fence"
	}

	var err error
	switch ext {
	case ".go":
		_, err = parser.ParseFile(token.NewFileSet(), name, content, parser.AllErrors)
	case ".json":
		if !json.Valid([]byte(content)) {
			var probe any
			err = json.Unmarshal([]byte(content), &probe)
		}
	case ".yaml", ".yml":
		var probe any
		err = yaml.Unmarshal([]byte(content), &probe)
	case ".toml":
		var probe map[string]any
		err = toml.Unmarshal([]byte(content), &probe)
	}
	if err != nil {
		return fmt.Sprintf("%s: %v", name, err)
	}
	return ""
}
