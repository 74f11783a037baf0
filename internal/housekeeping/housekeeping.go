// Package housekeeping runs periodic maintenance jobs on a cron schedule:
// retention cleanup of finished tasks, change log pruning and any extra
// checks registered by the caller.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// ErrRunning is returned by Start when the jobs are already scheduled
var ErrRunning = errors.New("housekeeping: already running")

// ChangePruner is implemented by stores that keep a change log
type ChangePruner interface {
	PruneChanges(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job is one scheduled maintenance function
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus reports the last run of a job
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	Running  bool      `json:"running"`
}

// Runner owns the maintenance cron
type Runner struct {
	repo      *taskstore.Repository
	pruner    ChangePruner
	retention time.Duration
	logger    *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	jobs    []Job
	status  map[string]*JobStatus
	entries map[string]cron.EntryID
	cron    *cron.Cron
	cancel  context.CancelFunc
}

// Option configures a Runner
type Option func(*Runner)

// WithPruner enables change log pruning
func WithPruner(p ChangePruner) Option {
	return func(r *Runner) { r.pruner = p }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner that deletes finished tasks older than retention
func New(repo *taskstore.Repository, retention time.Duration, opts ...Option) *Runner {
	r := &Runner{
		repo:      repo,
		retention: retention,
		logger:    logging.Nop(),
		now:       time.Now,
		status:    make(map[string]*JobStatus),
		entries:   make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("housekeeping")
	return r
}

// ParseCron parses a five field cron expression or a descriptor such as "@hourly"
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// Cleanup deletes terminal tasks whose last update is older than the
// retention window, with their artifacts and index entries
func (r *Runner) Cleanup(ctx context.Context) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	tasks, err := r.repo.ListTasks(ctx, taskstore.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("listing tasks: %w", err)
	}
	cutoff := r.now().Add(-r.retention)

	deleted := 0
	var errs []error
	for _, t := range tasks {
		if !t.IsTerminal() || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := r.repo.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, taskstore.ErrNotFound) {
			errs = append(errs, fmt.Errorf("deleting task %s: %w", t.ID, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Prune drops change log entries older than the retention window
func (r *Runner) Prune(ctx context.Context) (int64, error) {
	if r.pruner == nil || r.retention <= 0 {
		return 0, nil
	}
	return r.pruner.PruneChanges(ctx, r.now().Add(-r.retention))
}

// Add registers an extra job; it takes effect on the next Start
func (r *Runner) Add(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if _, err := ParseCron(job.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid cron expression: %w", job.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	r.status[job.Name] = &JobStatus{Name: job.Name, Schedule: job.Schedule}
	return nil
}

// AddDefaults registers retention cleanup and change log pruning. An empty
// schedule leaves that job out.
func (r *Runner) AddDefaults(cleanupSchedule, pruneSchedule string) error {
	if cleanupSchedule != "" {
		err := r.Add(Job{Name: "cleanup", Schedule: cleanupSchedule, Run: func(ctx context.Context) error {
			n, err := r.Cleanup(ctx)
			if n > 0 {
				r.logger.Info(ctx, "deleted expired tasks", zap.Int("count", n))
			}
			return err
		}})
		if err != nil {
			return err
		}
	}
	if pruneSchedule != "" && r.pruner != nil {
		return r.Add(Job{Name: "prune", Schedule: pruneSchedule, Run: func(ctx context.Context) error {
			n, err := r.Prune(ctx)
			if n > 0 {
				r.logger.Info(ctx, "pruned change log", zap.Int64("entries", n))
			}
			return err
		}})
	}
	return nil
}

// Start schedules every registered job
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger})),
		cron.WithLogger(cronLogger{r.logger}),
	)
	for _, job := range r.jobs {
		id, err := c.AddFunc(job.Schedule, r.wrap(ctx, job))
		if err != nil {
			cancel()
			return fmt.Errorf("scheduling %s: %w", job.Name, err)
		}
		r.entries[job.Name] = id
	}
	c.Start()
	r.cron, r.cancel = c, cancel
	r.logger.Info(ctx, "housekeeping started", zap.Int("jobs", len(r.jobs)))
	return nil
}

// Stop unschedules the jobs and waits for running ones to return
func (r *Runner) Stop() {
	r.mu.Lock()
	c, cancel := r.cron, r.cancel
	r.cron, r.cancel = nil, nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// RunNow runs the named job synchronously
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	var job *Job
	for i := range r.jobs {
		if r.jobs[i].Name == name {
			job = &r.jobs[i]
		}
	}
	r.mu.Unlock()
	if job == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return r.execute(ctx, *job)
}

// Status lists the registered jobs
func (r *Runner) Status() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, job := range r.jobs {
		st := *r.status[job.Name]
		if r.cron != nil {
			st.NextRun = r.cron.Entry(r.entries[job.Name]).Next
		}
		out = append(out, st)
	}
	return out
}

func (r *Runner) wrap(ctx context.Context, job Job) func() {
	return func() {
		if err := r.execute(ctx, job); err != nil && ctx.Err() == nil {
			r.logger.Warn(ctx, "housekeeping job failed", zap.String("job", job.Name), zap.Error(err))
		}
	}
}

func (r *Runner) execute(ctx context.Context, job Job) error {
	r.mu.Lock()
	st := r.status[job.Name]
	st.Running = true
	r.mu.Unlock()

	err := job.Run(ctx)

	r.mu.Lock()
	st.Running = false
	st.LastRun = r.now()
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	r.mu.Unlock()
	return err
}

// cronLogger routes cron's own logging into zap
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(context.Background(), "cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Warn(context.Background(), "cron: "+msg, append(kvFields(keysAndValues), zap.Error(err))...)
}

func kvFields(kv []any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
