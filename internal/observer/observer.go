// Package observer watches the orchestrator from the outside: Prometheus
// metrics fed by the event bus, detection of tasks that stopped making
// progress, and hot reload of the declarative sources file.
package observer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// Observer detects stuck tasks
type Observer struct {
	stuckThreshold time.Duration
	repo           *taskstore.Repository
	metrics        *Metrics
	logger         *logging.Logger
	now            func() time.Time
}

// Option configures an Observer
type Option func(*Observer)

// WithMetrics reports active and stuck counts as gauges
func WithMetrics(m *Metrics) Option {
	return func(o *Observer) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Observer) { o.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Observer) { o.now = now }
}

// New creates a new Observer
func New(repo *taskstore.Repository, stuckThreshold time.Duration, opts ...Option) *Observer {
	o := &Observer{
		stuckThreshold: stuckThreshold,
		repo:           repo,
		logger:         logging.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("observer")
	return o
}

// IsStuck returns true if a running task has not been updated within the threshold
func (o *Observer) IsStuck(t *domain.Task) bool {
	if t.IsTerminal() || o.stuckThreshold <= 0 {
		return false
	}
	return o.now().Sub(t.UpdatedAt) > o.stuckThreshold
}

// CheckStuck returns the stuck tasks and logs each of them
func (o *Observer) CheckStuck(ctx context.Context) ([]*domain.Task, error) {
	active, err := o.repo.ListTasks(ctx, taskstore.ListOptions{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	var stuck []*domain.Task
	for _, t := range active {
		if !o.IsStuck(t) {
			continue
		}
		stuck = append(stuck, t)
		o.logger.Warn(logging.WithTask(ctx, t.ID), "task appears stuck",
			zap.String("phase", string(t.Phase)),
			zap.Duration("idle", o.now().Sub(t.UpdatedAt)),
			zap.String("work_item", t.WorkItemRef.String()))
	}
	if o.metrics != nil {
		o.metrics.ActiveTasks.Set(float64(len(active)))
		o.metrics.StuckTasks.Set(float64(len(stuck)))
	}
	return stuck, nil
}
