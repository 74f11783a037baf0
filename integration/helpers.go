//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.db")
}

// scriptedLLM is an OpenAI-compatible chat completion server that answers
// each agent role with canned text. The reviewer answers come from a queue;
// the last one repeats.
type scriptedLLM struct {
	t *testing.T

	mu       sync.Mutex
	reviews  []string
	requests map[string]int
}

func newScriptedLLM(t *testing.T, reviews ...string) (*scriptedLLM, *httptest.Server) {
	t.Helper()
	s := &scriptedLLM{t: t, reviews: reviews, requests: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	return s, srv
}

// Calls returns how many completions the role received
func (s *scriptedLLM) Calls(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[role]
}

func (s *scriptedLLM) serve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var system string
	for _, m := range body.Messages {
		if m.Role == "system" {
			system = m.Content
		}
	}

	role, answer := s.answer(system)
	s.mu.Lock()
	s.requests[role]++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "cmpl-" + role,
		"object": "chat.completion",
		"model":  "scripted",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": answer},
		}},
	})
}

func (s *scriptedLLM) answer(system string) (string, string) {
	switch {
	case strings.Contains(system, "requirements analyst"):
		return "requirements", requirementsAnswer
	case strings.Contains(system, "software architect"):
		return "plan", planAnswer
	case strings.Contains(system, "software engineer"):
		return "generate", generateAnswer
	case strings.Contains(system, "code reviewer"):
		s.mu.Lock()
		defer s.mu.Unlock()
		answer := s.reviews[0]
		if len(s.reviews) > 1 {
			s.reviews = s.reviews[1:]
		}
		return "review", answer
	}
	s.t.Errorf("unexpected system prompt: %.80q", system)
	return "unknown", "{}"
}

const requirementsAnswer = `{
  "actionable": true,
  "summary": "Add a math utility module with add and multiply helpers",
  "acceptance_criteria": ["add(2, 3) returns 5", "multiply(2, 3) returns 6"],
  "files_affected": ["mathutil.py", "test_mathutil.py"],
  "language": "python"
}`

const planAnswer = `1. Create mathutil.py with add and multiply
2. Add test_mathutil.py covering both helpers`

const generateAnswer = "Here is the change:\n```json\n" + `{
  "summary": "Add mathutil with add and multiply",
  "files": [
    {"path": "mathutil.py", "op": "create", "content": "def add(a, b):\n    return a + b\n\n\ndef multiply(a, b):\n    return a * b\n"},
    {"path": "test_mathutil.py", "op": "create", "content": "from mathutil import add, multiply\n\n\ndef test_add():\n    assert add(2, 3) == 5\n\n\ndef test_multiply():\n    assert multiply(2, 3) == 6\n"}
  ]
}` + "\n```"

const firstReview = `{
  "score": 6,
  "requirements_met": true,
  "summary": "Works, but inputs are not checked and negative cases are untested",
  "issues": [
    {"severity": "major", "message": "add accepts non-numeric input without a clear error", "file": "mathutil.py", "line": 1},
    {"severity": "major", "message": "tests cover only positive integers", "file": "test_mathutil.py"}
  ],
  "positives": ["small and readable"]
}`

const secondReview = `{
  "score": 9,
  "requirements_met": true,
  "summary": "Inputs are checked and the tests cover the edge cases",
  "issues": [{"severity": "minor", "message": "consider type hints", "file": "mathutil.py"}],
  "positives": ["good coverage"]
}`
