// Package poller periodically asks each monitored source for new work items
// and turns every discovered item into exactly one task.
//
// Sources poll independently: each has its own schedule, at most one poll in
// flight, and failures that only affect the next cycle of that source. The
// source cursor advances past an item only after its task creation committed,
// so a crash in between makes the next poll rediscover the item, which the
// idempotent task creation absorbs.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/provider"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

var (
	// ErrRunning is returned by Start when the scheduler already runs
	ErrRunning = errors.New("poller: already running")
	// ErrPollInFlight is returned by PollNow while the source is being polled
	ErrPollInFlight = errors.New("poller: poll already in flight")
)

// TaskCreator creates tasks idempotently per work item
type TaskCreator interface {
	CreateTask(ctx context.Context, ref domain.WorkItemRef, opts coordinator.CreateOptions) (*domain.Task, bool, error)
}

// Config tunes the scheduler
type Config struct {
	// Tick is how often due sources are checked
	Tick            time.Duration
	DefaultInterval time.Duration
	// Jitter is the relative spread applied to every delay, 0.1 for ±10%
	Jitter float64
}

// DefaultConfig returns a one second tick, five minute interval and ±10% jitter
func DefaultConfig() Config {
	return Config{Tick: time.Second, DefaultInterval: 5 * time.Minute, Jitter: 0.1}
}

// PollResult summarizes one poll of one source
type PollResult struct {
	Source     domain.SourceRef `json:"source"`
	Discovered int              `json:"discovered"`
	Created    []string         `json:"created,omitempty"`
	Existing   []string         `json:"existing,omitempty"`
	Cursor     int64            `json:"cursor"`
}

// SourceStatus is the scheduler's view of one source
type SourceStatus struct {
	Ref          domain.SourceRef `json:"ref"`
	Enabled      bool             `json:"enabled"`
	Cursor       int64            `json:"cursor"`
	InFlight     bool             `json:"in_flight"`
	NextPoll     time.Time        `json:"next_poll,omitempty"`
	LastPolledAt time.Time        `json:"last_polled_at,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	TasksCreated int              `json:"tasks_created"`
}

// Status is the scheduler status reported by the Control API
type Status struct {
	Running bool           `json:"running"`
	Sources []SourceStatus `json:"sources"`
}

type sourceState struct {
	key      string
	next     time.Time
	inFlight bool
	created  int
}

// Scheduler runs the poll loop
type Scheduler struct {
	cfg      Config
	repo     *taskstore.Repository
	provider provider.Provider
	tasks    TaskCreator
	logger   *logging.Logger
	now      func() time.Time
	rand     func() float64

	mu      sync.Mutex
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	polls   sync.WaitGroup
	sources map[domain.SourceRef]*sourceState
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithConfig replaces DefaultConfig
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRand overrides the jitter source
func WithRand(fn func() float64) Option {
	return func(s *Scheduler) { s.rand = fn }
}

// New creates a stopped scheduler
func New(repo *taskstore.Repository, prov provider.Provider, tasks TaskCreator, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      DefaultConfig(),
		repo:     repo,
		provider: prov,
		tasks:    tasks,
		logger:   logging.Nop(),
		now:      time.Now,
		rand:     rand.Float64,
		sources:  make(map[domain.SourceRef]*sourceState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Tick <= 0 {
		s.cfg.Tick = DefaultConfig().Tick
	}
	if s.cfg.DefaultInterval <= 0 {
		s.cfg.DefaultInterval = DefaultConfig().DefaultInterval
	}
	s.logger = s.logger.Named("poller")
	return s
}

// Start begins polling. Every enabled source is polled on the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loop.Add(1)
	go s.run(ctx)
	s.logger.Info(ctx, "poll scheduler started", zap.Duration("tick", s.cfg.Tick))
	return nil
}

// Stop ends the loop and waits for in-flight polls. It is a no-op when stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.loop.Wait()
	s.polls.Wait()
	s.logger.Info(context.Background(), "poll scheduler stopped")
}

// Running reports whether the loop runs
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loop.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches a poll for every enabled source that is due and idle
func (s *Scheduler) tick(ctx context.Context) {
	sources, err := s.repo.ListSources(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn(ctx, "listing sources failed", zap.Error(err))
		}
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[domain.SourceRef]bool, len(sources))
	for _, src := range sources {
		seen[src.Ref] = true
		if !src.Enabled {
			continue
		}
		st := s.state(src.Ref)
		if key := scheduleKey(src); key != st.key {
			// New source or changed schedule: poll now, then follow the new schedule.
			st.key = key
			st.next = time.Time{}
		}
		if st.inFlight || now.Before(st.next) {
			continue
		}
		st.inFlight = true
		s.polls.Add(1)
		go func(src *domain.MonitoredSource) {
			defer s.polls.Done()
			s.pollAndReschedule(ctx, src)
		}(src)
	}
	for ref, st := range s.sources {
		if !seen[ref] && !st.inFlight {
			delete(s.sources, ref)
		}
	}
}

func (s *Scheduler) state(ref domain.SourceRef) *sourceState {
	st, ok := s.sources[ref]
	if !ok {
		st = &sourceState{}
		s.sources[ref] = st
	}
	return st
}

func (s *Scheduler) pollAndReschedule(ctx context.Context, src *domain.MonitoredSource) {
	res, _ := s.poll(ctx, src)

	next := s.nextPoll(src)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(src.Ref)
	st.inFlight = false
	st.next = next
	if res != nil {
		st.created += len(res.Created)
	}
}

func (s *Scheduler) nextPoll(src *domain.MonitoredSource) time.Time {
	now := s.now()
	sched, err := ParseSchedule(src, s.cfg.DefaultInterval)
	if err != nil {
		return now.Add(s.cfg.DefaultInterval)
	}
	return jittered(now, sched.Next(now), s.cfg.Jitter, s.rand())
}

// PollNow polls one source immediately, regardless of its schedule or
// enabled flag. It fails with ErrPollInFlight while a poll of the source runs.
func (s *Scheduler) PollNow(ctx context.Context, ref domain.SourceRef) (*PollResult, error) {
	src, _, err := s.repo.GetSource(ctx, ref)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := s.state(ref)
	if st.inFlight {
		s.mu.Unlock()
		return nil, ErrPollInFlight
	}
	st.inFlight = true
	s.mu.Unlock()

	res, err := s.poll(ctx, src)

	next := s.nextPoll(src)
	s.mu.Lock()
	st.inFlight = false
	st.next = next
	if res != nil {
		st.created += len(res.Created)
	}
	s.mu.Unlock()
	return res, err
}

// poll lists new work items of src and creates one task per item, advancing
// the cursor after each creation. The caller holds the source's in-flight slot.
func (s *Scheduler) poll(ctx context.Context, src *domain.MonitoredSource) (*PollResult, error) {
	ctx = logging.WithSource(ctx, src.Ref.String())
	res := &PollResult{Source: src.Ref, Cursor: src.Cursor}

	err := s.discover(ctx, src, res)
	s.record(ctx, src.Ref, err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn(ctx, "poll failed; retrying next interval", zap.Error(err))
		}
		return res, err
	}
	if res.Discovered > 0 {
		s.logger.Info(ctx, "poll finished",
			zap.Int("discovered", res.Discovered), zap.Int("created", len(res.Created)), zap.Int64("cursor", res.Cursor))
	}
	return res, nil
}

func (s *Scheduler) discover(ctx context.Context, src *domain.MonitoredSource, res *PollResult) error {
	items, err := s.provider.ListNewWorkItems(ctx, src.Ref, src.Cursor, src.Labels)
	if err != nil {
		return fmt.Errorf("listing work items: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Cursor < items[j].Cursor })
	res.Discovered = len(items)

	for _, item := range items {
		if item.Cursor <= res.Cursor {
			continue
		}
		task, created, err := s.tasks.CreateTask(ctx, item.Ref, coordinator.CreateOptions{MaxIterations: src.MaxIterations})
		switch {
		case err == nil && created:
			res.Created = append(res.Created, task.ID)
		case err == nil:
			res.Existing = append(res.Existing, task.ID)
		case domain.IsInput(err):
			// The item can never become a task; step past it.
			s.logger.Warn(ctx, "skipping work item", zap.String("work_item", item.Ref.String()), zap.Error(err))
		default:
			return fmt.Errorf("creating task for %s: %w", item.Ref, err)
		}

		cursor := item.Cursor
		if _, err := s.repo.UpdateSource(ctx, src.Ref, func(m *domain.MonitoredSource) error {
			if !m.AdvanceCursor(cursor) {
				return taskstore.ErrSkip
			}
			return nil
		}); err != nil {
			return fmt.Errorf("advancing cursor to %d: %w", cursor, err)
		}
		res.Cursor = cursor
	}
	return nil
}

func (s *Scheduler) record(ctx context.Context, ref domain.SourceRef, pollErr error) {
	if ctx.Err() != nil {
		return
	}
	now := s.now()
	_, err := s.repo.UpdateSource(ctx, ref, func(m *domain.MonitoredSource) error {
		m.LastPolledAt = now
		m.LastError = ""
		if pollErr != nil {
			m.LastError = pollErr.Error()
		}
		return nil
	})
	if err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		s.logger.Warn(ctx, "recording poll result failed", zap.Error(err))
	}
}

// Status reports every source with its schedule state
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	sources, err := s.repo.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Running: s.Running(), Sources: make([]SourceStatus, 0, len(sources))}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		ss := SourceStatus{
			Ref:          src.Ref,
			Enabled:      src.Enabled,
			Cursor:       src.Cursor,
			LastPolledAt: src.LastPolledAt,
			LastError:    src.LastError,
		}
		if state, ok := s.sources[src.Ref]; ok {
			ss.InFlight = state.inFlight
			ss.NextPoll = state.next
			ss.TasksCreated = state.created
		}
		st.Sources = append(st.Sources, ss)
	}
	return st, nil
}
