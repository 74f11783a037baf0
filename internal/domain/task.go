package domain

import (
	"fmt"
	"time"
)

const (
	DefaultMaxIterations = 5
	MaxIterationsLimit   = 10
)

// Task is one end-to-end generate/review run for one work item
type Task struct {
	ID            string      `json:"id"`
	WorkItemRef   WorkItemRef `json:"work_item_ref"`
	Phase         Phase       `json:"phase"`
	Iteration     int         `json:"iteration"`
	MaxIterations int         `json:"max_iterations"`

	// MaxIterationsExplicit is set when the creator chose the budget; the
	// work item's frontmatter then leaves it alone.
	MaxIterationsExplicit bool `json:"max_iterations_explicit,omitempty"`

	// Snapshot of the work item taken while parsing
	WorkItem *WorkItem `json:"work_item,omitempty"`
	Plan     string    `json:"plan,omitempty"`

	// Working state of the current generate/validate loop
	Candidate          string   `json:"candidate,omitempty"`
	ValidationAttempts int      `json:"validation_attempts"`
	ValidationProblems []string `json:"validation_problems,omitempty"`
	PendingReview      *Review  `json:"pending_review,omitempty"`

	PullRequest *PullRequestRef   `json:"pull_request,omitempty"`
	Feedback    []Feedback        `json:"feedback,omitempty"`
	Iterations  []IterationRecord `json:"iterations,omitempty"`
	Outcome     *Outcome          `json:"outcome,omitempty"`

	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// IterationStartedAt marks when the current public iteration began generating
	IterationStartedAt time.Time `json:"iteration_started_at"`
}

// IterationRecord is the immutable record of one generate -> review pass
type IterationRecord struct {
	Index       int             `json:"index"`
	ArtifactRef string          `json:"artifact_ref"`
	PullRequest *PullRequestRef `json:"pull_request,omitempty"`
	Decision    ReviewDecision  `json:"decision"`
	Score       float64         `json:"score"`
	Feedback    string          `json:"feedback"`
	Issues      []ReviewIssue   `json:"issues,omitempty"`
	CIStatus    CIStatus        `json:"ci_status"`
	Duration    time.Duration   `json:"duration"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Feedback is review output carried into the next generation attempt
type Feedback struct {
	Iteration int           `json:"iteration"`
	Text      string        `json:"text"`
	Issues    []ReviewIssue `json:"issues,omitempty"`
}

// Outcome is the structured reason attached to a terminal task
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Detail string      `json:"detail"`
	At     time.Time   `json:"at"`
}

// NewTask creates a task in the Parsing phase
func NewTask(id string, ref WorkItemRef, maxIterations int, now time.Time) *Task {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Task{
		ID:            id,
		WorkItemRef:   ref,
		Phase:         PhaseParsing,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal returns true once the task reached a terminal phase
func (t *Task) IsTerminal() bool {
	return t.Phase.IsTerminal()
}

// Transition moves the task to the next phase, enforcing the transition table
func (t *Task) Transition(to Phase, now time.Time) error {
	if !CanTransition(t.Phase, to) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Phase, to)
	}
	if to.IsTerminal() {
		return fmt.Errorf("task %s: terminal phase %s requires an outcome", t.ID, to)
	}
	t.Phase = to
	t.UpdatedAt = now
	return nil
}

// Finish moves the task into the terminal phase matching kind and records the outcome
func (t *Task) Finish(kind OutcomeKind, detail string, now time.Time) error {
	to := kind.PhaseFor()
	if !CanTransition(t.Phase, to) {
		return fmt.Errorf("task %s: cannot finish as %s from %s", t.ID, kind, t.Phase)
	}
	t.Phase = to
	t.Outcome = &Outcome{Kind: kind, Detail: detail, At: now}
	t.UpdatedAt = now
	return nil
}

// AppendIteration appends a record; indices must be contiguous from 1
func (t *Task) AppendIteration(rec IterationRecord) error {
	want := len(t.Iterations) + 1
	if rec.Index != want {
		return fmt.Errorf("task %s: iteration record %d out of order, want %d", t.ID, rec.Index, want)
	}
	if rec.Index > t.MaxIterations {
		return fmt.Errorf("task %s: iteration record %d exceeds max %d", t.ID, rec.Index, t.MaxIterations)
	}
	t.Iterations = append(t.Iterations, rec)
	return nil
}

// LastIteration returns the most recent iteration record, if any
func (t *Task) LastIteration() *IterationRecord {
	if len(t.Iterations) == 0 {
		return nil
	}
	rec := t.Iterations[len(t.Iterations)-1]
	return &rec
}

// Check verifies the structural invariants of a task record
func (t *Task) Check() error {
	if t.Iteration < 0 || t.Iteration > t.MaxIterations {
		return fmt.Errorf("task %s: iteration %d outside [0,%d]", t.ID, t.Iteration, t.MaxIterations)
	}
	if t.IsTerminal() != (t.Outcome != nil) {
		return fmt.Errorf("task %s: phase %s inconsistent with outcome %v", t.ID, t.Phase, t.Outcome)
	}
	for i, rec := range t.Iterations {
		if rec.Index != i+1 {
			return fmt.Errorf("task %s: iteration record %d has index %d", t.ID, i+1, rec.Index)
		}
	}
	return nil
}

// Duration returns elapsed time from creation to the last update
func (t *Task) Duration() time.Duration {
	return t.UpdatedAt.Sub(t.CreatedAt)
}

// Clone returns a deep copy so callers can mutate without sharing slices
func (t *Task) Clone() *Task {
	c := *t
	if t.WorkItem != nil {
		wi := *t.WorkItem
		wi.Requirements.AcceptanceCriteria = append([]string(nil), t.WorkItem.Requirements.AcceptanceCriteria...)
		wi.Requirements.FileHints = append([]string(nil), t.WorkItem.Requirements.FileHints...)
		wi.Requirements.Constraints = append([]string(nil), t.WorkItem.Requirements.Constraints...)
		wi.Labels = append([]string(nil), t.WorkItem.Labels...)
		c.WorkItem = &wi
	}
	if t.PendingReview != nil {
		r := *t.PendingReview
		r.Issues = append([]ReviewIssue(nil), t.PendingReview.Issues...)
		r.Positives = append([]string(nil), t.PendingReview.Positives...)
		r.Labels = append([]string(nil), t.PendingReview.Labels...)
		c.PendingReview = &r
	}
	if t.PullRequest != nil {
		pr := *t.PullRequest
		c.PullRequest = &pr
	}
	if t.Outcome != nil {
		o := *t.Outcome
		c.Outcome = &o
	}
	c.ValidationProblems = append([]string(nil), t.ValidationProblems...)
	c.Feedback = append([]Feedback(nil), t.Feedback...)
	c.Iterations = append([]IterationRecord(nil), t.Iterations...)
	return &c
}
