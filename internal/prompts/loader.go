package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// Template paths
const (
	Requirements = "agent/requirements.md"
	Plan         = "agent/plan.md"
	Generate     = "agent/generate.md"
	Review       = "agent/review.md"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for a template.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      string `yaml:"system"`
}

// Prompt is a rendered system/user message pair
type Prompt struct {
	System string
	User   string
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. The configured prompts directory, if any
// 2. User config: ~/.config/issue-orchestrator/prompts/
func DefaultLoader(promptsDir string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if promptsDir != "" {
		dirs = append(dirs, promptsDir)
	}
	dirs = append(dirs, filepath.Join(home, ".config", "issue-orchestrator", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, filepath.FromSlash(name))
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:] // Skip closing "---\n"

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "agent/plan.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data interface{}) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return buf.String(), nil
}

// Render executes a template and pairs it with its system message
func (l *Loader) Render(name string, data interface{}) (Prompt, error) {
	user, err := l.Execute(name, data)
	if err != nil {
		return Prompt{}, err
	}
	_, meta, _ := l.LoadTemplate(name)
	p := Prompt{User: strings.TrimSpace(user)}
	if meta != nil {
		p.System = strings.TrimSpace(meta.System)
	}
	return p, nil
}

// List returns metadata for all embedded agent templates.
func (l *Loader) List() ([]*TemplateMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, "agent")
	if err != nil {
		return nil, err
	}

	var result []*TemplateMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		_, meta, err := l.LoadTemplate(path.Join("agent", entry.Name()))
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result = append(result, meta)
		}
	}
	return result, nil
}

// RequirementsData feeds the requirements template
type RequirementsData struct {
	Ref    string
	Title  string
	Body   string
	Parsed domain.Requirements
}

// PlanData feeds the plan template
type PlanData struct {
	Ref          string
	Title        string
	Requirements domain.Requirements
}

// GenerateData feeds the generate template
type GenerateData struct {
	Ref           string
	Title         string
	Requirements  domain.Requirements
	Plan          string
	Iteration     int
	MaxIterations int
	Attempt       int
	Feedback      []domain.Feedback
	Problems      []string
}

// ReviewData feeds the review template
type ReviewData struct {
	Title         string
	PullRequest   *domain.PullRequestRef
	Requirements  domain.Requirements
	Iteration     int
	MaxIterations int
	Feedback      []domain.Feedback
	CI            domain.CIStatus
	Summary       string
	Files         []domain.FileChange
}
