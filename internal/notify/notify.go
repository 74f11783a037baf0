// Package notify tells humans about finished tasks.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string // Optional task reference
	PRURL   string // Optional PR URL

	// Task details, set by ForTask
	WorkItem  string
	Outcome   domain.OutcomeKind
	Iteration int
	MaxIter   int
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// ForTask builds the notification for a task that reached a terminal phase.
// Exhausted tasks are reported as needing a human, not as failures.
func ForTask(t *domain.Task) Notification {
	n := Notification{
		TaskID:    t.ID,
		WorkItem:  t.WorkItemRef.String(),
		Iteration: t.Iteration,
		MaxIter:   t.MaxIterations,
	}
	if t.PullRequest != nil {
		n.PRURL = t.PullRequest.URL
	}
	detail := ""
	if t.Outcome != nil {
		detail = t.Outcome.Detail
		n.Outcome = t.Outcome.Kind
	}

	switch t.Phase {
	case domain.PhaseCompleted:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("%s approved", t.WorkItemRef)
	case domain.PhaseExhausted:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("%s needs human review", t.WorkItemRef)
	case domain.PhaseCancelled:
		n.Type = NotifyInfo
		n.Title = fmt.Sprintf("%s cancelled", t.WorkItemRef)
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("%s failed", t.WorkItemRef)
	}
	n.Message = fmt.Sprintf("Iteration %d/%d. %s", t.Iteration, t.MaxIterations, detail)
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
