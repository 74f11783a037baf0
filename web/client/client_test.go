package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/eventbus"
	"github.com/hochfrequenz/issue-orchestrator/internal/generation"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
	"github.com/hochfrequenz/issue-orchestrator/internal/provider"
	"github.com/hochfrequenz/issue-orchestrator/internal/review"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

func newTestServer(t *testing.T) (*Client, *provider.Fake) {
	t.Helper()
	repo := taskstore.NewRepository(taskstore.NewMemory())
	bus := eventbus.New(coordinator.Snapshotter(repo))
	prov := provider.NewFake()
	coord := coordinator.New(repo, bus, prov, generation.NewWorkflow(nil, nil, nil), review.NewWorkflow(nil))
	sched := poller.New(repo, prov, coord)
	t.Cleanup(sched.Stop)

	ts := httptest.NewServer(api.NewServer(coord, sched, repo, ":0").Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL), prov
}

func TestClient_TaskLifecycle(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, "acme/widgets#1", 3)
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, 3, created.Task.MaxIterations)

	again, err := c.CreateTask(ctx, "acme/widgets#1", 0)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, created.Task.ID, again.Task.ID)

	tasks, err := c.ListTasks(ctx, ListOptions{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	_, err = c.GetTask(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	result, err := c.CancelTask(ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", result)

	task, err := c.GetTask(ctx, created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCancelled, task.Phase)

	rerun, err := c.RetryTask(ctx, created.Task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Task.ID, rerun.ID)

	require.NoError(t, c.DeleteTask(ctx, created.Task.ID))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestClient_Sources(t *testing.T) {
	c, prov := newTestServer(t)
	ctx := context.Background()
	prov.AddWorkItem(domain.WorkItemRef{Owner: "acme", Repo: "widgets", Number: 4}, "Add math utility", "Add Sum.")

	_, err := c.AddSource(ctx, api.SourceRequest{Repo: "acme/widgets", Interval: "1m"})
	require.NoError(t, err)

	var apiErr *APIError
	_, err = c.AddSource(ctx, api.SourceRequest{Repo: "acme/widgets"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)

	res, err := c.PollSource(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)

	require.NoError(t, c.StartScheduler(ctx))
	st, err := c.SchedulerStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.Len(t, st.Sources, 1)
	assert.Equal(t, int64(4), st.Sources[0].Cursor)
	require.NoError(t, c.StopScheduler(ctx))

	require.NoError(t, c.RemoveSource(ctx, "acme/widgets"))
	sources, err := c.ListSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestClient_Watch(t *testing.T) {
	c, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := c.CreateTask(ctx, "acme/widgets#2", 0)
	require.NoError(t, err)

	var phases []domain.Phase
	err = c.Watch(ctx, created.Task.ID, func(ev domain.Event) error {
		phases = append(phases, ev.Phase)
		if ev.Synthetic {
			_, err := c.CancelTask(ctx, created.Task.ID)
			return err
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, phases)
	assert.Equal(t, domain.PhaseCancelled, phases[len(phases)-1])

	err = c.Watch(ctx, "missing", func(domain.Event) error { return nil })
	assert.True(t, errors.Is(err, ErrNotFound))
}
