package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/eventbus"
	"github.com/hochfrequenz/issue-orchestrator/internal/generation"
	"github.com/hochfrequenz/issue-orchestrator/internal/provider"
	"github.com/hochfrequenz/issue-orchestrator/internal/review"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

var widgets = domain.SourceRef{Owner: "acme", Repo: "widgets"}

func item(n int) domain.WorkItemRef {
	return domain.WorkItemRef{Owner: widgets.Owner, Repo: widgets.Repo, Number: n}
}

type fixture struct {
	repo  *taskstore.Repository
	prov  *provider.Fake
	coord *coordinator.Coordinator
}

// newFixture wires a coordinator that records tasks without driving them
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := taskstore.NewRepository(taskstore.NewMemory())
	prov := provider.NewFake()
	coord := coordinator.New(repo, eventbus.New(coordinator.Snapshotter(repo)), prov,
		generation.NewWorkflow(nil, nil, nil), review.NewWorkflow(nil))
	return &fixture{repo: repo, prov: prov, coord: coord}
}

func (f *fixture) addSource(t *testing.T, src domain.MonitoredSource) {
	t.Helper()
	if src.Ref.IsZero() {
		src.Ref = widgets
	}
	require.NoError(t, f.repo.CreateSource(context.Background(), &src))
}

func (f *fixture) source(t *testing.T) *domain.MonitoredSource {
	t.Helper()
	src, _, err := f.repo.GetSource(context.Background(), widgets)
	require.NoError(t, err)
	return src
}

func (f *fixture) tasks(t *testing.T) []*domain.Task {
	t.Helper()
	tasks, err := f.repo.ListTasks(context.Background(), taskstore.ListOptions{})
	require.NoError(t, err)
	return tasks
}

func TestPollNow_CreatesOneTaskPerItemAndAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	f.addSource(t, domain.MonitoredSource{Enabled: true, Interval: time.Minute, MaxIterations: 2})
	f.prov.AddWorkItem(item(3), "Third", "body")
	f.prov.AddWorkItem(item(1), "First", "body")
	s := New(f.repo, f.prov, f.coord)

	res, err := s.PollNow(context.Background(), widgets)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Discovered)
	assert.Len(t, res.Created, 2)
	assert.Equal(t, int64(3), res.Cursor)

	src := f.source(t)
	assert.Equal(t, int64(3), src.Cursor)
	assert.False(t, src.LastPolledAt.IsZero())
	assert.Empty(t, src.LastError)

	tasks := f.tasks(t)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, 2, task.MaxIterations)
	}

	// Nothing new past the cursor.
	res, err = s.PollNow(context.Background(), widgets)
	require.NoError(t, err)
	assert.Zero(t, res.Discovered)
	assert.Len(t, f.tasks(t), 2)
}

// crashingCreator commits the task but reports a failure, as if the process
// died between the create commit and the cursor update
type crashingCreator struct {
	TaskCreator
	mu      sync.Mutex
	crashes int
}

func (c *crashingCreator) CreateTask(ctx context.Context, ref domain.WorkItemRef, opts coordinator.CreateOptions) (*domain.Task, bool, error) {
	task, created, err := c.TaskCreator.CreateTask(ctx, ref, opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.crashes > 0 {
		c.crashes--
		return nil, false, errors.New("process crashed")
	}
	return task, created, err
}

func TestPoll_RediscoveredItemAfterCrashYieldsOneTask(t *testing.T) {
	f := newFixture(t)
	f.addSource(t, domain.MonitoredSource{Enabled: true, Interval: time.Minute})
	f.prov.AddWorkItem(item(5), "Five", "body")

	crashing := New(f.repo, f.prov, &crashingCreator{TaskCreator: f.coord, crashes: 1})
	_, err := crashing.PollNow(context.Background(), widgets)
	require.Error(t, err)
	assert.Zero(t, f.source(t).Cursor, "cursor must not pass an item whose creation was not confirmed")
	assert.Contains(t, f.source(t).LastError, "process crashed")

	restarted := New(f.repo, f.prov, f.coord)
	res, err := restarted.PollNow(context.Background(), widgets)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Existing, 1)
	assert.Equal(t, int64(5), f.source(t).Cursor)
	assert.Empty(t, f.source(t).LastError)

	assert.Len(t, f.tasks(t), 1)
}

func TestPoll_OverlappingSchedulersCreateOneTask(t *testing.T) {
	f := newFixture(t)
	f.addSource(t, domain.MonitoredSource{Enabled: true, Interval: time.Minute})
	for n := 1; n <= 5; n++ {
		f.prov.AddWorkItem(item(n), "Item", "body")
	}

	a := New(f.repo, f.prov, f.coord)
	b := New(f.repo, f.prov, f.coord)
	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, err := s.PollNow(context.Background(), widgets)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	assert.Len(t, f.tasks(t), 5)
	assert.Equal(t, int64(5), f.source(t).Cursor)
}

func TestPollNow_OnePollInFlightPerSource(t *testing.T) {
	f := newFixture(t)
	f.addSource(t, domain.MonitoredSource{Enabled: true, Interval: time.Minute})
	release := f.prov.Block("ListNewWorkItems")
	defer release()
	s := New(f.repo, f.prov, f.coord)

	done := make(chan error, 1)
	go func() {
		_, err := s.PollNow(context.Background(), widgets)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.prov.Calls("ListNewWorkItems") == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := s.PollNow(context.Background(), widgets)
	assert.ErrorIs(t, err, ErrPollInFlight)

	release()
	require.NoError(t, <-done)
}

func TestPollNow_UnknownSource(t *testing.T) {
	f := newFixture(t)
	s := New(f.repo, f.prov, f.coord)
	_, err := s.PollNow(context.Background(), widgets)
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestScheduler_FailingSourceDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	gadgets := domain.SourceRef{Owner: "acme", Repo: "gadgets"}
	f.addSource(t, domain.MonitoredSource{Enabled: true, Interval: time.Hour})
	f.addSource(t, domain.MonitoredSource{Ref: gadgets, Enabled: true, Interval: time.Hour})
	f.prov.AddWorkItem(domain.WorkItemRef{Owner: "acme", Repo: "gadgets", Number: 1}, "Gadget", "body")
	// The first listing fails; sources are listed in ref order, so gadgets goes first
	// but either order must leave the other source unaffected.
	f.prov.FailNext("ListNewWorkItems", domain.Transient("list", errors.New("502 bad gateway")))

	s := New(f.repo, f.prov, f.coord, WithConfig(Config{Tick: 10 * time.Millisecond, DefaultInterval: time.Hour}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		st, err := s.Status(context.Background())
		if err != nil || len(st.Sources) != 2 {
			return false
		}
		for _, src := range st.Sources {
			if src.LastPolledAt.IsZero() || src.InFlight {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	failed := 0
	for _, src := range st.Sources {
		if src.LastError != "" {
			failed++
		}
		assert.True(t, src.NextPoll.After(time.Now().Add(50*time.Minute)), "next poll follows the hourly interval")
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, f.prov.Calls("ListNewWorkItems"), "sources are not polled again before their interval")
}

func TestScheduler_SkipsDisabledSources(t *testing.T) {
	f := newFixture(t)
	f.addSource(t, domain.MonitoredSource{Enabled: false, Interval: time.Millisecond})
	f.prov.AddWorkItem(item(1), "One", "body")

	s := New(f.repo, f.prov, f.coord, WithConfig(Config{Tick: 5 * time.Millisecond}))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	assert.Zero(t, f.prov.Calls("ListNewWorkItems"))
	assert.False(t, s.Running())
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	s := New(f.repo, f.prov, f.coord)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrRunning)
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		src  domain.MonitoredSource
		want time.Duration
		err  bool
	}{
		{"interval", domain.MonitoredSource{Interval: 2 * time.Minute}, 2 * time.Minute, false},
		{"default", domain.MonitoredSource{}, 5 * time.Minute, false},
		{"every descriptor", domain.MonitoredSource{Schedule: "@every 30s", Interval: time.Hour}, 30 * time.Second, false},
		{"cron", domain.MonitoredSource{Schedule: "*/15 * * * *"}, 15 * time.Minute, false},
		{"invalid", domain.MonitoredSource{Schedule: "whenever"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(&tt.src, 5*time.Minute)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sched.Next(base).Sub(base))
		})
	}
}

func TestJittered(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	next := now.Add(100 * time.Second)

	assert.Equal(t, now.Add(90*time.Second), jittered(now, next, 0.1, 0))
	assert.Equal(t, now.Add(100*time.Second), jittered(now, next, 0.1, 0.5))
	assert.True(t, jittered(now, next, 0.1, 0.999).Before(now.Add(110*time.Second)))
	assert.Equal(t, next, jittered(now, next, 0, 0.9))
}
