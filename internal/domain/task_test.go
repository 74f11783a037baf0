package domain

import (
	"strings"
	"testing"
	"time"
)

func TestParseWorkItemRef(t *testing.T) {
	tests := []struct {
		input   string
		want    WorkItemRef
		wantErr bool
	}{
		{"acme/widgets#12", WorkItemRef{Owner: "acme", Repo: "widgets", Number: 12}, false},
		{" acme/my.repo#1 ", WorkItemRef{Owner: "acme", Repo: "my.repo", Number: 1}, false},
		{"acme/widgets", WorkItemRef{}, true},
		{"acme/widgets#0", WorkItemRef{}, true},
		{"#12", WorkItemRef{}, true},
	}

	for _, tt := range tests {
		got, err := ParseWorkItemRef(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWorkItemRef(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWorkItemRef(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !tt.wantErr && got.String() != strings.TrimSpace(tt.input) {
			t.Errorf("String() = %q, want %q", got.String(), strings.TrimSpace(tt.input))
		}
	}
}

func TestWorkItemRef_Branch(t *testing.T) {
	ref := WorkItemRef{Owner: "acme", Repo: "widgets", Number: 42}
	if got := ref.Branch(); got != "agent/issue-42" {
		t.Errorf("Branch() = %q, want agent/issue-42", got)
	}
	if got := ref.Source().String(); got != "acme/widgets" {
		t.Errorf("Source() = %q, want acme/widgets", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseParsing, PhaseAnalyzingRequirements, true},
		{PhaseParsing, PhaseGenerating, false},
		{PhaseValidating, PhaseGenerating, true},
		{PhaseValidating, PhaseAwaitingReview, true},
		{PhaseReviewing, PhaseRevising, true},
		{PhaseReviewing, PhaseExhausted, true},
		{PhaseRevising, PhaseGenerating, true},
		{PhaseRevising, PhaseReviewing, false},
		{PhaseGenerating, PhaseCancelled, true},
		{PhaseCompleted, PhaseCancelled, false},
		{PhaseFailed, PhaseParsing, false},
		{PhaseExhausted, PhaseRevising, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTask_TransitionRejectsTerminalWithoutOutcome(t *testing.T) {
	task := NewTask("t1", WorkItemRef{Owner: "a", Repo: "b", Number: 1}, 0, time.Now())
	if task.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", task.MaxIterations, DefaultMaxIterations)
	}
	if err := task.Transition(PhaseFailed, time.Now()); err == nil {
		t.Error("Transition to terminal phase should require Finish")
	}
	if err := task.Transition(PhaseAnalyzingRequirements, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := task.Finish(OutcomeUnparsableWorkItem, "empty body", time.Now()); err != nil {
		t.Fatal(err)
	}
	if task.Phase != PhaseFailed {
		t.Errorf("Phase = %s, want failed", task.Phase)
	}
	if err := task.Check(); err != nil {
		t.Errorf("Check() = %v", err)
	}
	if err := task.Finish(OutcomeCancelled, "late", time.Now()); err == nil {
		t.Error("Finish on terminal task should fail")
	}
}

func TestTask_AppendIteration(t *testing.T) {
	task := NewTask("t1", WorkItemRef{Owner: "a", Repo: "b", Number: 1}, 2, time.Now())

	if err := task.AppendIteration(IterationRecord{Index: 2}); err == nil {
		t.Error("out of order record should be rejected")
	}
	if err := task.AppendIteration(IterationRecord{Index: 1}); err != nil {
		t.Fatal(err)
	}
	if err := task.AppendIteration(IterationRecord{Index: 2}); err != nil {
		t.Fatal(err)
	}
	if err := task.AppendIteration(IterationRecord{Index: 3}); err == nil {
		t.Error("record beyond max iterations should be rejected")
	}
	if got := task.LastIteration(); got == nil || got.Index != 2 {
		t.Errorf("LastIteration() = %v, want index 2", got)
	}
}

func TestTask_CheckDetectsOutcomeMismatch(t *testing.T) {
	task := NewTask("t1", WorkItemRef{Owner: "a", Repo: "b", Number: 1}, 5, time.Now())
	task.Outcome = &Outcome{Kind: OutcomeApproved}
	if err := task.Check(); err == nil {
		t.Error("non-terminal task with outcome should fail Check")
	}

	task.Outcome = nil
	task.Iteration = 6
	if err := task.Check(); err == nil {
		t.Error("iteration beyond max should fail Check")
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	task := NewTask("t1", WorkItemRef{Owner: "a", Repo: "b", Number: 1}, 5, time.Now())
	task.Iterations = []IterationRecord{{Index: 1}}
	task.WorkItem = &WorkItem{Requirements: Requirements{AcceptanceCriteria: []string{"x"}}}

	c := task.Clone()
	c.Iterations[0].Score = 9
	c.WorkItem.Requirements.AcceptanceCriteria[0] = "y"

	if task.Iterations[0].Score != 0 {
		t.Error("Clone shares iteration slice")
	}
	if task.WorkItem.Requirements.AcceptanceCriteria[0] != "x" {
		t.Error("Clone shares requirements slice")
	}
}

func TestMonitoredSource_AdvanceCursor(t *testing.T) {
	src := MonitoredSource{Cursor: 10}
	if src.AdvanceCursor(5) {
		t.Error("cursor moved backwards")
	}
	if src.Cursor != 10 {
		t.Errorf("Cursor = %d, want 10", src.Cursor)
	}
	if !src.AdvanceCursor(11) || src.Cursor != 11 {
		t.Errorf("Cursor = %d, want 11", src.Cursor)
	}
}

func TestErrorKinds(t *testing.T) {
	if !IsTransient(Transient("fetch", errString("timeout"))) {
		t.Error("Transient should be transient")
	}
	if IsTransient(Permanent("fetch", errString("404"))) {
		t.Error("Permanent should not be transient")
	}
	in := Input("parse", "empty issue body", nil)
	if !IsInput(in) {
		t.Error("Input should be input")
	}
	if got := Detail(in); got != "empty issue body" {
		t.Errorf("Detail() = %q", got)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
