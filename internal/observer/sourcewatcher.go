package observer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/config"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// SourceSpec declares one monitored source in the sources file
type SourceSpec struct {
	Repo          string          `toml:"repo"`
	Interval      config.Duration `toml:"interval"`
	Schedule      string          `toml:"schedule"`
	Labels        []string        `toml:"labels"`
	Enabled       *bool           `toml:"enabled"`
	MaxIterations int             `toml:"max_iterations"`
	CredentialRef string          `toml:"credential_ref"`
}

// SourcesFile is the declarative list of monitored sources
type SourcesFile struct {
	Sources []SourceSpec `toml:"source"`
}

// Validate checks one declaration
func (s SourceSpec) Validate() error {
	ref, err := domain.ParseSourceRef(s.Repo)
	if err != nil {
		return err
	}
	if s.MaxIterations < 0 || s.MaxIterations > domain.MaxIterationsLimit {
		return fmt.Errorf("max_iterations must be within 0..%d", domain.MaxIterationsLimit)
	}
	src := s.apply(&domain.MonitoredSource{Ref: ref})
	_, err = poller.ParseSchedule(src, time.Minute)
	return err
}

// apply copies the declared settings onto src, leaving its cursor alone
func (s SourceSpec) apply(src *domain.MonitoredSource) *domain.MonitoredSource {
	src.Interval = s.Interval.Duration()
	src.Schedule = s.Schedule
	src.Labels = slices.Clone(s.Labels)
	src.Enabled = s.Enabled == nil || *s.Enabled
	src.MaxIterations = s.MaxIterations
	src.CredentialRef = s.CredentialRef
	return src
}

// LoadSources reads the sources file. A missing file declares nothing.
func LoadSources(path string) (*SourcesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SourcesFile{}, nil
		}
		return nil, err
	}

	var f SourcesFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, spec := range f.Sources {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
	}
	return &f, nil
}

// SyncResult lists what a sync changed
type SyncResult struct {
	Created []string
	Updated []string
}

// SyncSources creates missing sources and updates the settings of existing
// ones. Sources not in the file are left alone; they may be managed through
// the Control API.
func SyncSources(ctx context.Context, repo *taskstore.Repository, f *SourcesFile, now time.Time) (*SyncResult, error) {
	res := &SyncResult{}
	for _, spec := range f.Sources {
		ref, err := domain.ParseSourceRef(spec.Repo)
		if err != nil {
			return res, err
		}

		_, _, err = repo.GetSource(ctx, ref)
		if errors.Is(err, taskstore.ErrNotFound) {
			src := spec.apply(&domain.MonitoredSource{Ref: ref, CreatedAt: now, UpdatedAt: now})
			err := repo.CreateSource(ctx, src)
			if errors.Is(err, taskstore.ErrExists) {
				// Created concurrently; fall through to an update next sync.
				continue
			}
			if err != nil {
				return res, fmt.Errorf("creating source %s: %w", ref, err)
			}
			res.Created = append(res.Created, ref.String())
			continue
		}
		if err != nil {
			return res, err
		}

		changed := false
		if _, err := repo.UpdateSource(ctx, ref, func(src *domain.MonitoredSource) error {
			before := *src
			spec.apply(src)
			if sameSettings(&before, src) {
				return taskstore.ErrSkip
			}
			changed = true
			return nil
		}); err != nil {
			return res, fmt.Errorf("updating source %s: %w", ref, err)
		}
		if changed {
			res.Updated = append(res.Updated, ref.String())
		}
	}
	return res, nil
}

func sameSettings(a, b *domain.MonitoredSource) bool {
	return a.Interval == b.Interval &&
		a.Schedule == b.Schedule &&
		slices.Equal(a.Labels, b.Labels) &&
		a.Enabled == b.Enabled &&
		a.MaxIterations == b.MaxIterations &&
		a.CredentialRef == b.CredentialRef
}

// SourceWatcher keeps the store in sync with the sources file
type SourceWatcher struct {
	path     string
	repo     *taskstore.Repository
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onSync   func(*SyncResult, error)

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSourceWatcher creates a watcher for the sources file at path
func NewSourceWatcher(path string, repo *taskstore.Repository, logger *logging.Logger) (*SourceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &SourceWatcher{
		path:     filepath.Clean(path),
		repo:     repo,
		logger:   logger.Named("sources"),
		watcher:  watcher,
		debounce: 300 * time.Millisecond, // editors write in several steps
	}, nil
}

// SetDebounce sets how long changes settle before a sync
func (w *SourceWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// OnSync registers a callback invoked after every sync
func (w *SourceWatcher) OnSync(fn func(*SyncResult, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onSync = fn
}

// Start syncs once and then re-syncs whenever the file changes. The
// directory is watched so that editors replacing the file are noticed.
func (w *SourceWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.sync(ctx)
	go w.loop(ctx)
	return nil
}

// Stop stops watching
func (w *SourceWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	w.watcher.Close()
}

func (w *SourceWatcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "watch error", zap.Error(err))
		}
	}
}

func (w *SourceWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.sync(ctx) })
}

func (w *SourceWatcher) sync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	f, err := LoadSources(w.path)
	var res *SyncResult
	if err == nil {
		res, err = SyncSources(ctx, w.repo, f, time.Now())
	}
	switch {
	case err != nil:
		w.logger.Warn(ctx, "syncing sources file failed", zap.String("path", w.path), zap.Error(err))
	case len(res.Created)+len(res.Updated) > 0:
		w.logger.Info(ctx, "sources file synced",
			zap.Strings("created", res.Created), zap.Strings("updated", res.Updated))
	}

	w.mu.Lock()
	fn := w.onSync
	w.mu.Unlock()
	if fn != nil {
		fn(res, err)
	}
}
