package prbot

import (
	"regexp"
	"strings"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// Category represents the risk class of a change set
type Category string

const (
	CategorySecurity     Category = "security"
	CategoryArchitecture Category = "architecture"
	CategoryMigrations   Category = "migrations"
	CategoryRoutine      Category = "routine"
)

var (
	securityPatterns = compile(
		`(?i)auth`,
		`(?i)password`,
		`(?i)credential`,
		`(?i)secret`,
		`(?i)token`,
		`(?i)encrypt`,
		`(?i)decrypt`,
		`(?i)permission`,
		`(?i)bcrypt`,
		`(?i)jwt`,
		`(?i)oauth`,
		`(?i)session`,
	)

	architecturePaths = compile(
		`(^|/)go\.(mod|sum)$`,
		`(^|/)package\.json$`,
		`(^|/)(pyproject\.toml|requirements\.txt)$`,
		`(?i)(^|/)api/`,
		`(^|/)\.github/workflows/`,
	)

	migrationPaths = compile(
		`(^|/)migrations/`,
		`(?i)\.sql$`,
	)

	migrationContent = compile(
		`(?i)CREATE\s+TABLE`,
		`(?i)ALTER\s+TABLE`,
		`(?i)DROP\s+TABLE`,
	)
)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// AnalyzeChangeSet categorizes a change set by its paths and content
func AnalyzeChangeSet(cs *domain.ChangeSet) Category {
	if cs == nil {
		return CategoryRoutine
	}

	// Check in order of priority
	for _, f := range cs.Files {
		if matchesAny(f.Path, securityPatterns) || matchesAny(f.Content, securityPatterns) {
			return CategorySecurity
		}
	}
	for _, f := range cs.Files {
		if matchesAny(f.Path, migrationPaths) || matchesAny(f.Content, migrationContent) {
			return CategoryMigrations
		}
	}
	for _, f := range cs.Files {
		if matchesAny(f.Path, architecturePaths) {
			return CategoryArchitecture
		}
	}
	return CategoryRoutine
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ShouldAutoMerge returns true if an approved change may merge without a human
func ShouldAutoMerge(category Category, needsReview bool) bool {
	if needsReview {
		return false
	}
	return category == CategoryRoutine
}

// GetLabels returns labels to apply based on category
func GetLabels(category Category) []string {
	switch category {
	case CategorySecurity:
		return []string{"needs-human-review", "security"}
	case CategoryArchitecture:
		return []string{"needs-human-review", "architecture"}
	case CategoryMigrations:
		return []string{"needs-human-review", "database"}
	default:
		return []string{"auto-merge"}
	}
}

// ChangeSummary describes the touched files in one line
func ChangeSummary(cs *domain.ChangeSet) string {
	if cs == nil || len(cs.Files) == 0 {
		return "No changes"
	}
	files := cs.Paths()
	if len(files) == 1 {
		return "Modified " + files[0]
	}
	summary := "Modified " + strings.Join(files[:min(3, len(files))], ", ")
	if len(files) > 3 {
		summary += " and others"
	}
	return summary
}
