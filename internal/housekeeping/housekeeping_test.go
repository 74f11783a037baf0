package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

func seed(t *testing.T, repo *taskstore.Repository, id string, number int, created time.Time, finish bool) {
	t.Helper()
	ctx := context.Background()
	ref := domain.WorkItemRef{Owner: "acme", Repo: "widgets", Number: number}
	if _, _, _, err := repo.CreateTask(ctx, domain.NewTask(id, ref, 3, created)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.SaveArtifact(ctx, &domain.ChangeSet{TaskID: id, Iteration: 1, Attempt: 1}); err != nil {
		t.Fatal(err)
	}
	if !finish {
		return
	}
	if _, _, err := repo.UpdateTask(ctx, id, func(task *domain.Task) error {
		if err := task.Finish(domain.OutcomeCancelled, "stop", created); err != nil {
			return err
		}
		task.UpdatedAt = created
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestCleanup_DeletesExpiredTerminalTasks(t *testing.T) {
	repo := taskstore.NewRepository(taskstore.NewMemory())
	now := time.Now()
	seed(t, repo, "old-done", 1, now.Add(-48*time.Hour), true)
	seed(t, repo, "new-done", 2, now.Add(-time.Hour), true)
	seed(t, repo, "old-running", 3, now.Add(-48*time.Hour), false)

	r := New(repo, 24*time.Hour, WithClock(func() time.Time { return now }))
	n, err := r.Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Cleanup deleted %d tasks, want 1", n)
	}

	ctx := context.Background()
	if _, _, err := repo.GetTask(ctx, "old-done"); !errors.Is(err, taskstore.ErrNotFound) {
		t.Errorf("expired task still present: %v", err)
	}
	if _, err := repo.GetArtifact(ctx, taskstore.ArtifactKey("old-done", 1, 1)); !errors.Is(err, taskstore.ErrNotFound) {
		t.Errorf("expired artifact still present: %v", err)
	}
	for _, id := range []string{"new-done", "old-running"} {
		if _, _, err := repo.GetTask(ctx, id); err != nil {
			t.Errorf("task %s should survive cleanup: %v", id, err)
		}
	}
}

func TestCleanup_ZeroRetentionKeepsEverything(t *testing.T) {
	repo := taskstore.NewRepository(taskstore.NewMemory())
	seed(t, repo, "done", 1, time.Now().Add(-time.Hour), true)

	n, err := New(repo, 0).Cleanup(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Cleanup = (%d, %v), want (0, nil)", n, err)
	}
}

func TestPrune_UsesRetentionCutoff(t *testing.T) {
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	repo := taskstore.NewRepository(store)
	seed(t, repo, "t1", 1, time.Now(), false)

	future := time.Now().Add(48 * time.Hour)
	r := New(repo, 24*time.Hour, WithPruner(store), WithClock(func() time.Time { return future }))
	n, err := r.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("Prune removed nothing, want the seeded change log entries")
	}

	if n, _ := New(repo, 24*time.Hour).Prune(context.Background()); n != 0 {
		t.Errorf("Prune without pruner = %d, want 0", n)
	}
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 * * * *", false},
		{"30 3 * * *", false},
		{"@every 1m", false},
		{"@hourly", false},
		{"invalid", true},
	}
	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestRunner_JobsRunOnSchedule(t *testing.T) {
	repo := taskstore.NewRepository(taskstore.NewMemory())
	r := New(repo, time.Hour)

	var runs atomic.Int32
	if err := r.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(Job{Name: "bad", Schedule: "never"}); err == nil {
		t.Error("Add should reject an invalid schedule")
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start error = %v, want ErrRunning", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	r.Stop()

	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
	status := r.Status()
	if len(status) != 1 || status[0].LastErr != "boom" || status[0].LastRun.IsZero() {
		t.Errorf("Status = %+v, want one job with its last error", status)
	}
}

func TestRunner_RunNow(t *testing.T) {
	repo := taskstore.NewRepository(taskstore.NewMemory())
	now := time.Now()
	seed(t, repo, "old", 1, now.Add(-72*time.Hour), true)

	r := New(repo, 24*time.Hour)
	if err := r.AddDefaults("0 * * * *", "30 3 * * *"); err != nil {
		t.Fatal(err)
	}
	if got := len(r.Status()); got != 1 {
		t.Errorf("jobs without pruner = %d, want 1 (cleanup only)", got)
	}
	if err := r.RunNow(context.Background(), "cleanup"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := repo.GetTask(context.Background(), "old"); !errors.Is(err, taskstore.ErrNotFound) {
		t.Errorf("RunNow(cleanup) left the expired task: %v", err)
	}
	if err := r.RunNow(context.Background(), "missing"); err == nil {
		t.Error("RunNow should reject unknown jobs")
	}
}
