package domain

import "time"

// Event is a transient notification about a committed task state change
type Event struct {
	TaskID    string   `json:"task_id"`
	Phase     Phase    `json:"phase"`
	Iteration int      `json:"iteration"`
	Summary   string   `json:"summary"`
	Outcome   *Outcome `json:"outcome,omitempty"`

	// Version is the store version of the task record that produced the event
	Version int64 `json:"version"`

	// Synthetic marks the current-state event delivered on subscribe
	Synthetic bool `json:"synthetic,omitempty"`

	// Skipped is set on the first event delivered after older ones were dropped
	Skipped bool `json:"skipped,omitempty"`

	At time.Time `json:"at"`
}

// EventFromTask derives the event describing a committed task record
func EventFromTask(t *Task, version int64, summary string) Event {
	ev := Event{
		TaskID:    t.ID,
		Phase:     t.Phase,
		Iteration: t.Iteration,
		Summary:   summary,
		Version:   version,
		At:        t.UpdatedAt,
	}
	if t.Outcome != nil {
		o := *t.Outcome
		ev.Outcome = &o
		if summary == "" {
			ev.Summary = o.Detail
		}
	}
	return ev
}
