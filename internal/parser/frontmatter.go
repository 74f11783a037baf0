package parser

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the optional YAML block at the top of an issue body
type Frontmatter struct {
	Language      string   `yaml:"language"`
	Files         []string `yaml:"files"`
	Constraints   []string `yaml:"constraints"`
	Acceptance    []string `yaml:"acceptance"`
	MaxIterations int      `yaml:"max_iterations"`
	NeedsReview   bool     `yaml:"needs_review"`
}

// ParseFrontmatter extracts YAML frontmatter from markdown content.
// Returns the frontmatter, remaining content, and any error.
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	// Find end of frontmatter
	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:] // skip \n---

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}
