package llm

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

var (
	fenceRegex    = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n(.*?)\\n?```")
	leadingNumber = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)`)
	fileLineRegex = regexp.MustCompile(`^(.+?):(\d+)$`)
)

// errNoJSON marks model output without a decodable JSON object
var errNoJSON = errors.New("response contains no JSON object")

// extractJSON finds the JSON object in a model response, tolerating
// Markdown fences and prose around it
func extractJSON(text string) (gjson.Result, error) {
	candidates := []string{strings.TrimSpace(text)}
	for _, m := range fenceRegex.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		if strings.HasPrefix(c, "{") && gjson.Valid(c) {
			return gjson.Parse(c), nil
		}
	}
	return gjson.Result{}, errNoJSON
}

// stringList returns a string array field, accepting a single string too
func stringList(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	if !r.IsArray() {
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, item := range r.Array() {
		s := item.String()
		if item.IsObject() {
			s = firstString(item, "path", "description", "text", "message")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// score reads 8, 8.5, "8", "8/10" or "7.5 out of 10"
func score(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Float(), true
	case gjson.String:
		m := leadingNumber.FindStringSubmatch(r.Str)
		if m == nil {
			return 0, false
		}
		f, err := strconv.ParseFloat(m[1], 64)
		return f, err == nil
	}
	return 0, false
}

// boolean reads true, "true", "yes"; missing values yield def
func boolean(r gjson.Result, def bool) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(r.Str)) {
		case "true", "yes", "y":
			return true
		case "false", "no", "n":
			return false
		}
	}
	return def
}

func reviewIssues(r gjson.Result) []domain.ReviewIssue {
	var out []domain.ReviewIssue
	for _, item := range r.Array() {
		if !item.IsObject() {
			if msg := strings.TrimSpace(item.String()); msg != "" {
				out = append(out, domain.ReviewIssue{Severity: domain.SeverityMinor, Message: msg})
			}
			continue
		}
		issue := domain.ReviewIssue{
			Severity:   domain.ParseSeverity(strings.ToLower(item.Get("severity").String())),
			Message:    firstString(item, "message", "description", "issue"),
			File:       item.Get("file").String(),
			Suggestion: item.Get("suggestion").String(),
		}
		line := item.Get("line")
		switch line.Type {
		case gjson.Number:
			issue.Line = int(line.Int())
		case gjson.String:
			if m := fileLineRegex.FindStringSubmatch(line.Str); m != nil {
				if issue.File == "" {
					issue.File = m[1]
				}
				issue.Line, _ = strconv.Atoi(m[2])
			} else if n, err := strconv.Atoi(line.Str); err == nil {
				issue.Line = n
			}
		}
		if issue.Message == "" {
			continue
		}
		out = append(out, issue)
	}
	return out
}
