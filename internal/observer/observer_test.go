package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

func workItem(n int) domain.WorkItemRef {
	return domain.WorkItemRef{Owner: "acme", Repo: "widgets", Number: n}
}

func TestObserver_CheckStuck(t *testing.T) {
	ctx := context.Background()
	repo := taskstore.NewRepository(taskstore.NewMemory())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _, _, err := repo.CreateTask(ctx, domain.NewTask("old", workItem(1), 5, now.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, _, _, err = repo.CreateTask(ctx, domain.NewTask("fresh", workItem(2), 5, now.Add(-time.Minute)))
	require.NoError(t, err)
	_, _, _, err = repo.CreateTask(ctx, domain.NewTask("done", workItem(3), 5, now.Add(-3*time.Hour)))
	require.NoError(t, err)
	_, _, err = repo.UpdateTask(ctx, "done", func(task *domain.Task) error {
		return task.Finish(domain.OutcomeCancelled, "stop", now.Add(-3*time.Hour))
	})
	require.NoError(t, err)

	m := NewMetrics()
	obs := New(repo, 30*time.Minute, WithMetrics(m), WithClock(func() time.Time { return now }))

	stuck, err := obs.CheckStuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveTasks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StuckTasks))
}

func TestObserver_ZeroThresholdDisablesCheck(t *testing.T) {
	obs := New(nil, 0)
	task := domain.NewTask("t", workItem(1), 5, time.Now().Add(-24*time.Hour))
	assert.False(t, obs.IsStuck(task))
}

func TestMetrics_Handle(t *testing.T) {
	m := NewMetrics()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []domain.Event{
		{TaskID: "t1", Phase: domain.PhaseParsing, At: start, Synthetic: true},
		{TaskID: "t1", Phase: domain.PhaseParsing, At: start},
		{TaskID: "t1", Phase: domain.PhaseGenerating, At: start.Add(time.Minute)},
		{TaskID: "t1", Phase: domain.PhaseGenerating, At: start.Add(2 * time.Minute)},
		{TaskID: "t1", Phase: domain.PhaseCompleted, Iteration: 2, At: start.Add(10 * time.Minute),
			Outcome: &domain.Outcome{Kind: domain.OutcomeApproved}},
	}
	for _, ev := range events {
		m.Handle(ev)
	}

	assert.Equal(t, 4.0, testutil.ToFloat64(m.EventsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseEntries.WithLabelValues("generating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues("approved")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TaskDuration))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "issueorch_review_iterations" {
			continue
		}
		found = true
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.Equal(t, 2.0, h.GetSampleSum())
	}
	assert.True(t, found, "iteration histogram not registered")
}

const sourcesTOML = `
[[source]]
repo = "acme/widgets"
interval = "2m"
labels = ["agent"]
max_iterations = 3

[[source]]
repo = "acme/gadgets"
schedule = "*/10 * * * *"
enabled = false
`

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.toml")

	f, err := LoadSources(path)
	require.NoError(t, err)
	assert.Empty(t, f.Sources)

	require.NoError(t, os.WriteFile(path, []byte(sourcesTOML), 0o644))
	f, err = LoadSources(path)
	require.NoError(t, err)
	require.Len(t, f.Sources, 2)
	assert.Equal(t, 2*time.Minute, f.Sources[0].Interval.Duration())
	assert.Equal(t, []string{"agent"}, f.Sources[0].Labels)
	require.NotNil(t, f.Sources[1].Enabled)
	assert.False(t, *f.Sources[1].Enabled)

	for name, content := range map[string]string{
		"bad repo":       "[[source]]\nrepo = \"nope\"\n",
		"bad schedule":   "[[source]]\nrepo = \"a/b\"\nschedule = \"not cron\"\n",
		"too many iters": "[[source]]\nrepo = \"a/b\"\nmax_iterations = 11\n",
		"bad toml":       "[[source]\n",
	} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "sources.toml")
			require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
			_, err := LoadSources(p)
			assert.Error(t, err)
		})
	}
}

func TestSyncSources_KeepsCursor(t *testing.T) {
	ctx := context.Background()
	repo := taskstore.NewRepository(taskstore.NewMemory())
	path := filepath.Join(t.TempDir(), "sources.toml")
	require.NoError(t, os.WriteFile(path, []byte(sourcesTOML), 0o644))
	f, err := LoadSources(path)
	require.NoError(t, err)

	res, err := SyncSources(ctx, repo, f, time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme/widgets", "acme/gadgets"}, res.Created)

	widgets := domain.SourceRef{Owner: "acme", Repo: "widgets"}
	_, err = repo.UpdateSource(ctx, widgets, func(src *domain.MonitoredSource) error {
		src.AdvanceCursor(40)
		return nil
	})
	require.NoError(t, err)

	res, err = SyncSources(ctx, repo, f, time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)

	f.Sources[0].Labels = []string{"agent", "small"}
	res, err = SyncSources(ctx, repo, f, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/widgets"}, res.Updated)

	src, _, err := repo.GetSource(ctx, widgets)
	require.NoError(t, err)
	assert.Equal(t, int64(40), src.Cursor)
	assert.Equal(t, []string{"agent", "small"}, src.Labels)
	assert.Equal(t, 3, src.MaxIterations)

	gadgets, _, err := repo.GetSource(ctx, domain.SourceRef{Owner: "acme", Repo: "gadgets"})
	require.NoError(t, err)
	assert.False(t, gadgets.Enabled)
}

func TestSourceWatcher_ReloadsOnChange(t *testing.T) {
	ctx := context.Background()
	repo := taskstore.NewRepository(taskstore.NewMemory())
	path := filepath.Join(t.TempDir(), "sources.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[source]]\nrepo = \"acme/widgets\"\n"), 0o644))

	w, err := NewSourceWatcher(path, repo, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	var mu sync.Mutex
	var results []*SyncResult
	w.OnSync(func(res *SyncResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			results = append(results, res)
		}
	})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	sources, err := repo.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	require.NoError(t, os.WriteFile(path, []byte(sourcesTOML), 0o644))
	assert.Eventually(t, func() bool {
		sources, err := repo.ListSources(ctx)
		return err == nil && len(sources) == 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(results), 2)
}
