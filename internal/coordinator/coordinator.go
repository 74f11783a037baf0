// Package coordinator owns task identity and lifecycle. It drives every
// task through the generation and review workflows, one driver goroutine
// per task, with all state committed to the store before it is published.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/eventbus"
	"github.com/hochfrequenz/issue-orchestrator/internal/generation"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/issue-orchestrator/internal/provider"
	"github.com/hochfrequenz/issue-orchestrator/internal/retry"
	"github.com/hochfrequenz/issue-orchestrator/internal/review"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

var (
	// ErrNotTerminal is returned for operations that need a finished task
	ErrNotTerminal = errors.New("task is still running")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("coordinator already started")

	errTerminal = errors.New("task already terminal")
)

// Config tunes the coordinator
type Config struct {
	MaxParallel          int
	DefaultMaxIterations int
	// ValidationRetries caps regenerations after failed validation within one iteration
	ValidationRetries int
	// CallTimeout bounds every single external call attempt
	CallTimeout time.Duration
	Retry       retry.Policy
	// CIWait is how long a review waits for pending CI before deciding anyway
	CIWait         time.Duration
	CIPollInterval time.Duration
	// ResumeInterval is the period of the sweep that resumes orphaned tasks
	ResumeInterval time.Duration
	AutoMerge      bool
}

// DefaultConfig returns the defaults used when no configuration is given
func DefaultConfig() Config {
	return Config{
		MaxParallel:          4,
		DefaultMaxIterations: domain.DefaultMaxIterations,
		ValidationRetries:    3,
		CallTimeout:          3 * time.Minute,
		Retry:                retry.DefaultPolicy(),
		CIPollInterval:       15 * time.Second,
		ResumeInterval:       30 * time.Second,
	}
}

// CreateOptions controls task creation
type CreateOptions struct {
	// MaxIterations overrides the default iteration budget (1..10)
	MaxIterations int
}

// CancelResult is the answer to a cancellation request
type CancelResult string

const (
	CancelAccepted        CancelResult = "accepted"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// Coordinator runs tasks
type Coordinator struct {
	cfg      Config
	repo     *taskstore.Repository
	bus      *eventbus.Bus
	provider provider.Provider
	gen      *generation.Workflow
	review   *review.Workflow
	notifier notify.Notifier
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string

	sem *semaphore.Weighted

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	drivers map[string]*driver
	wg      sync.WaitGroup

	// Terminal notifications run outside the driver group since CancelTask
	// can finish a task while Stop is waiting.
	notifyMu     sync.Mutex
	notifyClosed bool
	notifyWG     sync.WaitGroup
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithConfig replaces DefaultConfig
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNotifier sets the notifier for terminal outcomes
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides uuid task ids
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// New creates a coordinator. Tasks are only driven after Start.
func New(repo *taskstore.Repository, bus *eventbus.Bus, prov provider.Provider, gen *generation.Workflow, rev *review.Workflow, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      DefaultConfig(),
		repo:     repo,
		bus:      bus,
		provider: prov,
		gen:      gen,
		review:   rev,
		notifier: notify.NoopNotifier{},
		logger:   logging.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
		drivers:  make(map[string]*driver),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxParallel < 1 {
		c.cfg.MaxParallel = 1
	}
	if c.cfg.DefaultMaxIterations < 1 {
		c.cfg.DefaultMaxIterations = domain.DefaultMaxIterations
	}
	if c.cfg.CallTimeout <= 0 {
		c.cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if c.cfg.CIPollInterval <= 0 {
		c.cfg.CIPollInterval = DefaultConfig().CIPollInterval
	}
	c.sem = semaphore.NewWeighted(int64(c.cfg.MaxParallel))
	c.logger = c.logger.Named("coordinator")
	return c
}

// Snapshotter builds the bus snapshot function from the task records
func Snapshotter(repo *taskstore.Repository) eventbus.SnapshotFunc {
	return func(ctx context.Context, taskID string) (domain.Event, error) {
		task, version, err := repo.GetTask(ctx, taskID)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.EventFromTask(task, version, "current state"), nil
	}
}

// Start resumes every unfinished task and begins driving new ones.
// Tasks resume from their persisted phase.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.base != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.base, c.stop = context.WithCancel(context.WithoutCancel(ctx))
	base := c.base
	c.mu.Unlock()

	c.notifyMu.Lock()
	c.notifyClosed = false
	c.notifyMu.Unlock()

	if n, err := c.Resume(ctx); err != nil {
		c.logger.Warn(ctx, "resuming tasks failed; the sweep will retry", zap.Error(err))
	} else if n > 0 {
		c.logger.Info(ctx, "resumed unfinished tasks", zap.Int("count", n))
	}

	if c.cfg.ResumeInterval > 0 {
		c.wg.Add(1)
		go c.sweep(base)
	}
	return nil
}

// Stop cancels all drivers and waits for them to exit. Interrupted tasks
// keep their persisted phase and continue on the next Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.base, c.stop = nil, nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.wg.Wait()

	c.notifyMu.Lock()
	c.notifyClosed = true
	c.notifyMu.Unlock()
	c.notifyWG.Wait()
}

// Resume launches a driver for every non-terminal task that has none
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	tasks, err := c.repo.ListTasks(ctx, taskstore.ListOptions{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("listing active tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if c.launch(t.ID) {
			n++
		}
	}
	return n, nil
}

func (c *Coordinator) sweep(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ResumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Resume(ctx); err != nil {
				c.logger.Warn(ctx, "resume sweep failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Info(ctx, "resume sweep picked up tasks", zap.Int("count", n))
			}
		}
	}
}

// CreateTask records a task for ref and starts driving it. If an open task
// already exists for ref it is returned with created == false; a finished
// task is superseded by a new one.
func (c *Coordinator) CreateTask(ctx context.Context, ref domain.WorkItemRef, opts CreateOptions) (*domain.Task, bool, error) {
	maxIterations := opts.MaxIterations
	if maxIterations == 0 {
		maxIterations = c.cfg.DefaultMaxIterations
	}
	if maxIterations < 1 || maxIterations > domain.MaxIterationsLimit {
		return nil, false, domain.Input("create task", ref.String(),
			fmt.Errorf("max iterations %d outside 1..%d", maxIterations, domain.MaxIterationsLimit))
	}

	task := domain.NewTask(c.newID(), ref, maxIterations, c.now())
	task.MaxIterationsExplicit = opts.MaxIterations != 0
	task, version, created, err := c.repo.CreateTask(ctx, task)
	if err != nil {
		return nil, false, fmt.Errorf("creating task for %s: %w", ref, err)
	}
	if !created {
		return task, false, nil
	}

	c.logger.Info(logging.WithTask(ctx, task.ID), "task created",
		zap.String("work_item", ref.String()), zap.Int("max_iterations", task.MaxIterations))
	c.bus.Publish(task.ID, domain.EventFromTask(task, version, "task created"))
	c.launch(task.ID)
	return task, true, nil
}

// RetryTask starts a fresh task for the work item of a finished task
func (c *Coordinator) RetryTask(ctx context.Context, id string) (*domain.Task, error) {
	old, _, err := c.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.IsTerminal() {
		return nil, ErrNotTerminal
	}
	var opts CreateOptions
	if old.MaxIterationsExplicit {
		opts.MaxIterations = old.MaxIterations
	}
	task, _, err := c.CreateTask(ctx, old.WorkItemRef, opts)
	return task, err
}

// GetTask returns the current task record
func (c *Coordinator) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	task, _, err := c.repo.GetTask(ctx, id)
	return task, err
}

// TaskForWorkItem returns the latest task created for a work item
func (c *Coordinator) TaskForWorkItem(ctx context.Context, ref domain.WorkItemRef) (*domain.Task, error) {
	task, _, err := c.repo.TaskForWorkItem(ctx, ref)
	return task, err
}

// ListTasks returns task records, newest first
func (c *Coordinator) ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error) {
	return c.repo.ListTasks(ctx, opts)
}

// Artifact returns a stored candidate by its reference
func (c *Coordinator) Artifact(ctx context.Context, ref string) (*domain.ChangeSet, error) {
	return c.repo.GetArtifact(ctx, ref)
}

// DeleteTask removes a finished task with its artifacts
func (c *Coordinator) DeleteTask(ctx context.Context, id string) error {
	task, _, err := c.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsTerminal() {
		return ErrNotTerminal
	}
	return c.repo.DeleteTask(ctx, id)
}

// Subscribe streams the task's events, starting with its current state
func (c *Coordinator) Subscribe(ctx context.Context, id string) (*eventbus.Subscription, error) {
	return c.bus.Subscribe(ctx, id)
}

// CancelTask requests cooperative cancellation. A running driver observes
// the request at its next checkpoint; a task without a driver is cancelled
// right away.
func (c *Coordinator) CancelTask(ctx context.Context, id string) (CancelResult, error) {
	terminal := false
	task, version, err := c.repo.UpdateTask(ctx, id, func(t *domain.Task) error {
		if t.IsTerminal() {
			terminal = true
			return taskstore.ErrSkip
		}
		if t.CancelRequested {
			return taskstore.ErrSkip
		}
		t.CancelRequested = true
		t.UpdatedAt = c.now()
		return nil
	})
	if err != nil {
		return "", err
	}
	if terminal {
		return CancelAlreadyTerminal, nil
	}
	ctx = logging.WithTask(ctx, id)
	c.logger.Info(ctx, "cancellation requested", zap.String("phase", string(task.Phase)))
	c.bus.Publish(id, domain.EventFromTask(task, version, "cancellation requested"))

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.drivers[id]; ok {
		d.cancel()
		return CancelAccepted, nil
	}
	// Holding mu keeps a driver from launching while we take the checkpoint.
	if err := c.checkpoint(ctx, id); err != nil && !errors.Is(err, errTerminal) {
		return "", err
	}
	return CancelAccepted, nil
}

// Running returns the number of live drivers
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.drivers)
}

// Stats summarizes all tasks
type Stats struct {
	Total           int                        `json:"total"`
	Active          int                        `json:"active"`
	Running         int                        `json:"running"`
	ByPhase         map[domain.Phase]int       `json:"by_phase"`
	ByOutcome       map[domain.OutcomeKind]int `json:"by_outcome"`
	AverageDuration time.Duration              `json:"average_duration"`
}

// Stats counts tasks by phase and outcome
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	tasks, err := c.repo.ListTasks(ctx, taskstore.ListOptions{})
	if err != nil {
		return nil, err
	}
	s := &Stats{
		Total:     len(tasks),
		Running:   c.Running(),
		ByPhase:   make(map[domain.Phase]int),
		ByOutcome: make(map[domain.OutcomeKind]int),
	}
	var total time.Duration
	finished := 0
	for _, t := range tasks {
		s.ByPhase[t.Phase]++
		if t.Outcome == nil {
			s.Active++
			continue
		}
		s.ByOutcome[t.Outcome.Kind]++
		total += t.Duration()
		finished++
	}
	if finished > 0 {
		s.AverageDuration = total / time.Duration(finished)
	}
	return s, nil
}
