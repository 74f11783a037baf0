package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

const (
	taskPrefix     = "task:"
	workItemPrefix = "task-by-workitem:"
	sourcePrefix   = "source:"
	artifactPrefix = "artifact:"

	maxCASAttempts = 32

	// TaskPrefix is the key prefix of all task records, for watches
	TaskPrefix = taskPrefix
)

var (
	// ErrSkip aborts an update function without writing
	ErrSkip = errors.New("taskstore: skip update")
	// ErrExists is returned when creating a record that already exists
	ErrExists = errors.New("taskstore: already exists")
)

// TaskKey returns the key of a task record
func TaskKey(id string) string { return taskPrefix + id }

// WorkItemKey returns the key of the work item index entry
func WorkItemKey(ref domain.WorkItemRef) string { return workItemPrefix + ref.String() }

// SourceKey returns the key of a monitored source record
func SourceKey(ref domain.SourceRef) string { return sourcePrefix + ref.String() }

// ArtifactKey returns the key under which a generated change set is stored
func ArtifactKey(taskID string, iteration, attempt int) string {
	return fmt.Sprintf("%s%s/%d.%d", artifactPrefix, taskID, iteration, attempt)
}

// TaskIDFromKey extracts the task id from a task key
func TaskIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, taskPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, taskPrefix), true
}

// Repository maps domain records onto the key space of a Store
type Repository struct {
	store Store
	now   func() time.Time
}

// NewRepository creates a repository over store
func NewRepository(store Store) *Repository {
	return &Repository{store: store, now: time.Now}
}

// Store returns the underlying store
func (r *Repository) Store() Store {
	return r.store
}

type workItemIndex struct {
	TaskID string `json:"task_id"`
}

// CreateTask records task unless an open task exists for its work item, in which
// case the existing task is returned with created == false. When the indexed
// task is terminal the index moves to task and the old record stays readable.
// A claim left behind without its task record is completed with task under
// the claimed id.
func (r *Repository) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, int64, bool, error) {
	indexKey := WorkItemKey(task.WorkItemRef)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		idx, err := r.store.Get(ctx, indexKey)
		switch {
		case errors.Is(err, ErrNotFound):
			if _, err := r.store.CompareAndSet(ctx, indexKey, 0, mustJSON(workItemIndex{TaskID: task.ID})); err != nil {
				if errors.Is(err, ErrConflict) {
					continue
				}
				return nil, 0, false, err
			}
		case err != nil:
			return nil, 0, false, err
		default:
			var entry workItemIndex
			if err := json.Unmarshal(idx.Value, &entry); err != nil {
				return nil, 0, false, fmt.Errorf("decoding index %s: %w", indexKey, err)
			}

			existing, version, err := r.GetTask(ctx, entry.TaskID)
			if errors.Is(err, ErrNotFound) {
				claimed := task.Clone()
				claimed.ID = entry.TaskID
				v, err := r.store.CompareAndSet(ctx, TaskKey(claimed.ID), 0, mustJSON(claimed))
				if errors.Is(err, ErrConflict) {
					continue
				}
				if err != nil {
					return nil, 0, false, err
				}
				return claimed, v, true, nil
			}
			if err != nil {
				return nil, 0, false, err
			}
			if !existing.IsTerminal() {
				return existing, version, false, nil
			}
			if _, err := r.store.CompareAndSet(ctx, indexKey, idx.Version, mustJSON(workItemIndex{TaskID: task.ID})); err != nil {
				if errors.Is(err, ErrConflict) {
					continue
				}
				return nil, 0, false, err
			}
		}

		v, err := r.store.CompareAndSet(ctx, TaskKey(task.ID), 0, mustJSON(task))
		if err != nil {
			return nil, 0, false, fmt.Errorf("writing task %s: %w", task.ID, err)
		}
		return task, v, true, nil
	}
	return nil, 0, false, fmt.Errorf("creating task for %s: %w", task.WorkItemRef, ErrConflict)
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*domain.Task, int64, error) {
	rec, err := r.store.Get(ctx, TaskKey(id))
	if err != nil {
		return nil, 0, err
	}
	task, err := decodeTask(rec.Value)
	if err != nil {
		return nil, 0, err
	}
	return task, rec.Version, nil
}

// TaskForWorkItem returns the task the work item index points at
func (r *Repository) TaskForWorkItem(ctx context.Context, ref domain.WorkItemRef) (*domain.Task, int64, error) {
	idx, err := r.store.Get(ctx, WorkItemKey(ref))
	if err != nil {
		return nil, 0, err
	}
	var entry workItemIndex
	if err := json.Unmarshal(idx.Value, &entry); err != nil {
		return nil, 0, fmt.Errorf("decoding index for %s: %w", ref, err)
	}
	return r.GetTask(ctx, entry.TaskID)
}

// UpdateTask applies fn to the latest task record and commits it with
// compare-and-set, re-reading and re-applying fn on version conflicts.
// fn may return ErrSkip to leave the record untouched.
func (r *Repository) UpdateTask(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, int64, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, version, err := r.GetTask(ctx, id)
		if err != nil {
			return nil, 0, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrSkip) {
				return current, version, nil
			}
			return nil, 0, err
		}
		if err := next.Check(); err != nil {
			return nil, 0, err
		}

		v, err := r.store.CompareAndSet(ctx, TaskKey(id), version, mustJSON(next))
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return next, v, nil
	}
	return nil, 0, fmt.Errorf("updating task %s: %w", id, ErrConflict)
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	ActiveOnly bool
	Phase      domain.Phase
	Source     string
}

// ListTasks returns tasks matching the given options, newest first
func (r *Repository) ListTasks(ctx context.Context, opts ListOptions) ([]*domain.Task, error) {
	recs, err := r.store.List(ctx, taskPrefix)
	if err != nil {
		return nil, err
	}

	var tasks []*domain.Task
	for _, rec := range recs {
		task, err := decodeTask(rec.Value)
		if err != nil {
			return nil, err
		}
		if opts.ActiveOnly && task.IsTerminal() {
			continue
		}
		if opts.Phase != "" && task.Phase != opts.Phase {
			continue
		}
		if opts.Source != "" && task.WorkItemRef.Source().String() != opts.Source {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// DeleteTask removes a task, its artifacts and its index entry if it still points at it
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	task, version, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}

	arts, err := r.store.List(ctx, artifactPrefix+id+"/")
	if err != nil {
		return err
	}
	for _, a := range arts {
		if err := r.store.Delete(ctx, a.Key, a.Version); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	indexKey := WorkItemKey(task.WorkItemRef)
	if idx, err := r.store.Get(ctx, indexKey); err == nil {
		var entry workItemIndex
		if json.Unmarshal(idx.Value, &entry) == nil && entry.TaskID == id {
			if err := r.store.Delete(ctx, indexKey, idx.Version); err != nil && !errors.Is(err, ErrConflict) {
				return err
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	return r.store.Delete(ctx, TaskKey(id), version)
}

// SaveArtifact stores a change set and returns its key
func (r *Repository) SaveArtifact(ctx context.Context, cs *domain.ChangeSet) (string, error) {
	key := ArtifactKey(cs.TaskID, cs.Iteration, cs.Attempt)
	data := mustJSON(cs)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var expected int64
		rec, err := r.store.Get(ctx, key)
		if err == nil {
			expected = rec.Version
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		if _, err := r.store.CompareAndSet(ctx, key, expected, data); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return "", err
		}
		return key, nil
	}
	return "", fmt.Errorf("saving artifact %s: %w", key, ErrConflict)
}

// GetArtifact loads a change set by key
func (r *Repository) GetArtifact(ctx context.Context, key string) (*domain.ChangeSet, error) {
	rec, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var cs domain.ChangeSet
	if err := json.Unmarshal(rec.Value, &cs); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", key, err)
	}
	return &cs, nil
}

// CreateSource records a new monitored source
func (r *Repository) CreateSource(ctx context.Context, src *domain.MonitoredSource) error {
	now := r.now()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	_, err := r.store.CompareAndSet(ctx, SourceKey(src.Ref), 0, mustJSON(src))
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("source %s: %w", src.Ref, ErrExists)
	}
	return err
}

// GetSource retrieves a monitored source
func (r *Repository) GetSource(ctx context.Context, ref domain.SourceRef) (*domain.MonitoredSource, int64, error) {
	rec, err := r.store.Get(ctx, SourceKey(ref))
	if err != nil {
		return nil, 0, err
	}
	src, err := decodeSource(rec.Value)
	if err != nil {
		return nil, 0, err
	}
	return src, rec.Version, nil
}

// UpdateSource applies fn to the latest source record with compare-and-set
func (r *Repository) UpdateSource(ctx context.Context, ref domain.SourceRef, fn func(*domain.MonitoredSource) error) (*domain.MonitoredSource, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, version, err := r.GetSource(ctx, ref)
		if err != nil {
			return nil, err
		}
		next := *current
		next.Labels = append([]string(nil), current.Labels...)
		if err := fn(&next); err != nil {
			if errors.Is(err, ErrSkip) {
				return current, nil
			}
			return nil, err
		}
		if next.Cursor < current.Cursor {
			return nil, fmt.Errorf("source %s: cursor moved backwards (%d -> %d)", ref, current.Cursor, next.Cursor)
		}
		next.UpdatedAt = r.now()

		_, err = r.store.CompareAndSet(ctx, SourceKey(ref), version, mustJSON(&next))
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
	return nil, fmt.Errorf("updating source %s: %w", ref, ErrConflict)
}

// DeleteSource removes a monitored source
func (r *Repository) DeleteSource(ctx context.Context, ref domain.SourceRef) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := r.store.Get(ctx, SourceKey(ref))
		if err != nil {
			return err
		}
		err = r.store.Delete(ctx, SourceKey(ref), rec.Version)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("deleting source %s: %w", ref, ErrConflict)
}

// ListSources returns all monitored sources ordered by ref
func (r *Repository) ListSources(ctx context.Context) ([]*domain.MonitoredSource, error) {
	recs, err := r.store.List(ctx, sourcePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.MonitoredSource, 0, len(recs))
	for _, rec := range recs {
		src, err := decodeSource(rec.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// DecodeTask decodes a task record value, as delivered by Watch
func DecodeTask(value []byte) (*domain.Task, error) {
	return decodeTask(value)
}

func decodeTask(value []byte) (*domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(value, &task); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &task, nil
}

func decodeSource(value []byte) (*domain.MonitoredSource, error) {
	var src domain.MonitoredSource
	if err := json.Unmarshal(value, &src); err != nil {
		return nil, fmt.Errorf("decoding source: %w", err)
	}
	return &src, nil
}

// mustJSON marshals records made only of plain data types
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("taskstore: marshal %T: %v", v, err))
	}
	return data
}
