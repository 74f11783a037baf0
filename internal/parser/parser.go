// Package parser extracts structured requirements from issue text.
package parser

import (
	"bufio"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

var (
	headingRegex  = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	bulletRegex   = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s+)?(.+)$`)
	filePathRegex = regexp.MustCompile("`([A-Za-z0-9_./-]+\\.[A-Za-z0-9]{1,8})`")
	languageRegex = regexp.MustCompile("(?m)^```([A-Za-z0-9+#-]+)\\s*$")
)

type section int

const (
	sectionBody section = iota
	sectionAcceptance
	sectionFiles
	sectionConstraints
	sectionOther
)

func classifyHeading(h string) section {
	h = strings.ToLower(h)
	switch {
	case strings.Contains(h, "acceptance"), strings.Contains(h, "criteria"),
		strings.Contains(h, "requirement"), strings.Contains(h, "definition of done"),
		strings.Contains(h, "expected"):
		return sectionAcceptance
	case strings.Contains(h, "file"), strings.Contains(h, "affected"), strings.Contains(h, "location"):
		return sectionFiles
	case strings.Contains(h, "constraint"), strings.Contains(h, "notes"), strings.Contains(h, "non-goal"):
		return sectionConstraints
	default:
		return sectionOther
	}
}

// Parsed is the deterministic extraction of an issue
type Parsed struct {
	Requirements  domain.Requirements
	MaxIterations int
	NeedsReview   bool
}

// ParseWorkItem extracts requirements from an issue title and body. It fails
// with an input error when nothing actionable can be found; the error detail
// carries the originating text.
func ParseWorkItem(title, body string) (*Parsed, error) {
	title = strings.TrimSpace(title)
	fm, rest, err := ParseFrontmatter([]byte(body))
	if err != nil {
		return nil, domain.Input("parse work item", excerpt(body), fmt.Errorf("invalid frontmatter: %w", err))
	}
	text := string(rest)

	var (
		paragraph  []string
		acceptance []string
		files      []string
		constraint []string
		current    = sectionBody
		inFence    bool
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		if m := headingRegex.FindStringSubmatch(trimmed); m != nil {
			current = classifyHeading(m[1])
			continue
		}

		for _, m := range filePathRegex.FindAllStringSubmatch(line, -1) {
			files = append(files, m[1])
		}

		bullet := ""
		if m := bulletRegex.FindStringSubmatch(line); m != nil {
			bullet = strings.TrimSpace(m[1])
		}

		switch current {
		case sectionBody:
			if trimmed == "" {
				if len(paragraph) > 0 {
					current = sectionOther
				}
				continue
			}
			paragraph = append(paragraph, trimmed)
		case sectionAcceptance:
			if bullet != "" {
				acceptance = append(acceptance, bullet)
			}
		case sectionFiles:
			if bullet != "" {
				files = append(files, strings.Trim(bullet, "`"))
			}
		case sectionConstraints:
			if bullet != "" {
				constraint = append(constraint, bullet)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.Input("parse work item", excerpt(body), err)
	}

	summary := strings.Join(paragraph, " ")
	if title != "" {
		if summary == "" {
			summary = title
		} else {
			summary = title + ": " + summary
		}
	}

	req := domain.Requirements{
		Summary:            summary,
		AcceptanceCriteria: dedupe(append(fm.Acceptance, acceptance...)),
		FileHints:          dedupe(append(fm.Files, files...)),
		Constraints:        dedupe(append(fm.Constraints, constraint...)),
		Language:           fm.Language,
	}
	if req.Language == "" {
		if m := languageRegex.FindStringSubmatch(text); m != nil {
			req.Language = strings.ToLower(m[1])
		} else {
			req.Language = languageFromFiles(req.FileHints)
		}
	}

	if req.Empty() {
		return nil, domain.Input("parse work item", excerpt(title+"\n"+body), fmt.Errorf("no title, description or acceptance criteria"))
	}

	return &Parsed{Requirements: req, MaxIterations: clampIterations(fm.MaxIterations), NeedsReview: fm.NeedsReview}, nil
}

// clampIterations keeps a frontmatter budget within 1..MaxIterationsLimit; 0 means unset
func clampIterations(n int) int {
	switch {
	case n == 0:
		return 0
	case n < 1:
		return 1
	case n > domain.MaxIterationsLimit:
		return domain.MaxIterationsLimit
	}
	return n
}

func languageFromFiles(files []string) string {
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".go"):
			return "go"
		case strings.HasSuffix(f, ".py"):
			return "python"
		case strings.HasSuffix(f, ".ts"), strings.HasSuffix(f, ".tsx"):
			return "typescript"
		case strings.HasSuffix(f, ".js"):
			return "javascript"
		case strings.HasSuffix(f, ".rs"):
			return "rust"
		}
	}
	return ""
}

func dedupe(items []string) []string {
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it != "" && !slices.Contains(out, it) {
			out = append(out, it)
		}
	}
	return out
}

// excerpt keeps the originating text short enough for an outcome record
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	const limit = 500
	if len(s) > limit {
		return s[:limit] + "..."
	}
	if s == "" {
		return "(empty work item)"
	}
	return s
}
