package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

var ref = domain.WorkItemRef{Owner: "acme", Repo: "widgets", Number: 7}

func newTask(id string) *domain.Task {
	return domain.NewTask(id, ref, 5, time.Now())
}

func TestRepository_CreateTaskIsIdempotent(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()

	first, _, created, err := repo.CreateTask(ctx, newTask("t1"))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first create should report created")
	}

	second, _, created, err := repo.CreateTask(ctx, newTask("t2"))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second create should not create")
	}
	if second.ID != first.ID {
		t.Errorf("second create returned %s, want %s", second.ID, first.ID)
	}

	tasks, err := repo.ListTasks(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("task count = %d, want 1", len(tasks))
	}
}

func TestRepository_ConcurrentCreateYieldsOneTask(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	repo := NewRepository(store)
	ctx := context.Background()

	const callers = 10
	ids := make([]string, callers)
	var createdCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, _, created, err := repo.CreateTask(ctx, newTask(fmt.Sprintf("t%d", i)))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[i] = task.ID
			if created {
				createdCount++
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created = %d, want 1", createdCount)
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d got %s, want %s", i, ids[i], ids[0])
		}
	}
}

func TestRepository_CreateCompletesDanglingClaim(t *testing.T) {
	mem := NewMemory()
	repo := NewRepository(mem)
	ctx := context.Background()

	// A crash between claiming the index and writing the task leaves only the claim.
	if _, err := mem.CompareAndSet(ctx, WorkItemKey(ref), 0, []byte(`{"task_id":"orphan"}`)); err != nil {
		t.Fatal(err)
	}

	task, _, created, err := repo.CreateTask(ctx, newTask("fresh"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || task.ID != "orphan" {
		t.Errorf("CreateTask = (%s, %v), want (orphan, true)", task.ID, created)
	}
	if _, _, err := repo.GetTask(ctx, "orphan"); err != nil {
		t.Errorf("GetTask(orphan): %v", err)
	}
}

func TestRepository_CreateAfterTerminalStartsNewTask(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()

	if _, _, _, err := repo.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatal(err)
	}
	open, _, created, err := repo.CreateTask(ctx, newTask("t2"))
	if err != nil {
		t.Fatal(err)
	}
	if created || open.ID != "t1" {
		t.Errorf("create while t1 is open = (%s, %v), want (t1, false)", open.ID, created)
	}

	if _, _, err := repo.UpdateTask(ctx, "t1", func(task *domain.Task) error {
		return task.Finish(domain.OutcomeCancelled, "stop", time.Now())
	}); err != nil {
		t.Fatal(err)
	}

	next, _, created, err := repo.CreateTask(ctx, newTask("t3"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || next.ID != "t3" {
		t.Errorf("create after terminal = (%s, %v), want (t3, true)", next.ID, created)
	}

	current, _, err := repo.TaskForWorkItem(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if current.ID != "t3" {
		t.Errorf("index points at %s, want t3", current.ID)
	}
	old, _, err := repo.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if old.Phase != domain.PhaseCancelled {
		t.Errorf("old task phase = %s, want cancelled", old.Phase)
	}
}

func TestRepository_UpdateTaskRetriesOnConflict(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()
	if _, _, _, err := repo.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	_, version, err := repo.UpdateTask(ctx, "t1", func(task *domain.Task) error {
		calls++
		if calls == 1 {
			// A concurrent writer commits between our read and our write.
			if _, _, err := repo.UpdateTask(ctx, "t1", func(other *domain.Task) error {
				other.CancelRequested = true
				return nil
			}); err != nil {
				return err
			}
		}
		return task.Transition(domain.PhaseAnalyzingRequirements, time.Now())
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("update fn called %d times, want 2", calls)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}

	got, _, err := repo.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.CancelRequested || got.Phase != domain.PhaseAnalyzingRequirements {
		t.Errorf("task = (cancel %v, phase %s), want both writes applied", got.CancelRequested, got.Phase)
	}
}

func TestRepository_UpdateTaskRejectsBrokenInvariant(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()
	if _, _, _, err := repo.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatal(err)
	}

	_, _, err := repo.UpdateTask(ctx, "t1", func(task *domain.Task) error {
		task.Iteration = task.MaxIterations + 1
		return nil
	})
	if err == nil {
		t.Error("UpdateTask should reject iteration beyond max")
	}

	_, version, err := repo.UpdateTask(ctx, "t1", func(*domain.Task) error { return ErrSkip })
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("skipped update changed version to %d", version)
	}
}

func TestRepository_Sources(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()
	src := &domain.MonitoredSource{Ref: domain.SourceRef{Owner: "acme", Repo: "widgets"}, Interval: time.Minute, Enabled: true}

	if err := repo.CreateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateSource(ctx, src); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate CreateSource error = %v, want ErrExists", err)
	}

	updated, err := repo.UpdateSource(ctx, src.Ref, func(s *domain.MonitoredSource) error {
		s.AdvanceCursor(12)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Cursor != 12 {
		t.Errorf("Cursor = %d, want 12", updated.Cursor)
	}

	if _, err := repo.UpdateSource(ctx, src.Ref, func(s *domain.MonitoredSource) error {
		s.Cursor = 3
		return nil
	}); err == nil {
		t.Error("UpdateSource should refuse to move the cursor backwards")
	}

	if err := repo.DeleteSource(ctx, src.Ref); err != nil {
		t.Fatal(err)
	}
	sources, err := repo.ListSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 0 {
		t.Errorf("sources after delete = %d, want 0", len(sources))
	}
}

func TestRepository_DeleteTaskRemovesArtifactsAndIndex(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()
	if _, _, _, err := repo.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatal(err)
	}
	key, err := repo.SaveArtifact(ctx, &domain.ChangeSet{TaskID: "t1", Iteration: 1, Attempt: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetArtifact(ctx, key); err != nil {
		t.Fatal(err)
	}

	if err := repo.DeleteTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetArtifact(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("artifact after delete error = %v, want ErrNotFound", err)
	}
	if _, _, err := repo.TaskForWorkItem(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("index after delete error = %v, want ErrNotFound", err)
	}
}
