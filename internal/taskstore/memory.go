package taskstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used in tests and for ephemeral runs
type Memory struct {
	mu       sync.Mutex
	records  map[string]Record
	seq      int64
	watchers map[*memWatcher]struct{}
	closed   bool
	failing  error
}

type memWatcher struct {
	prefix string
	mu     sync.Mutex
	queue  []Change
	wake   chan struct{}
	closed bool
}

func (w *memWatcher) push(c Change) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memWatcher) drain() ([]Change, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q, w.closed
}

func (w *memWatcher) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]Record),
		watchers: make(map[*memWatcher]struct{}),
	}
}

// SetUnavailable makes every operation fail with err wrapped in ErrUnavailable;
// nil restores normal operation.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

func (m *Memory) check() error {
	if m.closed {
		return unavailable(errClosed)
	}
	if m.failing != nil {
		return unavailable(m.failing)
	}
	return nil
}

// Get returns the record for key
func (m *Memory) Get(ctx context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Record{}, err
	}
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// CompareAndSet writes value when the version matches
func (m *Memory) CompareAndSet(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	current := m.records[key].Version
	if current != expected {
		return 0, ErrConflict
	}
	rec := Record{Key: key, Value: append([]byte(nil), value...), Version: current + 1}
	m.records[key] = rec
	m.notify(Change{Key: key, Value: rec.Value, Version: rec.Version})
	return rec.Version, nil
}

// Delete removes key when the version matches
func (m *Memory) Delete(ctx context.Context, key string, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	rec, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != expected {
		return ErrConflict
	}
	delete(m.records, key)
	m.notify(Change{Key: key, Version: rec.Version, Deleted: true})
	return nil
}

// List returns records under prefix ordered by key
func (m *Memory) List(ctx context.Context, prefix string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Record
	for k, rec := range m.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Watch streams changes under prefix until ctx is done, in commit order
func (m *Memory) Watch(ctx context.Context, prefix string) (<-chan Change, error) {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	w := &memWatcher{prefix: prefix, wake: make(chan struct{}, 1)}
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	out := make(chan Change)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			pending, closed := w.drain()
			for _, c := range pending {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}
		}
	}()
	return out, nil
}

// notify must be called with m.mu held
func (m *Memory) notify(c Change) {
	m.seq++
	c.Seq = m.seq
	for w := range m.watchers {
		if strings.HasPrefix(c.Key, w.prefix) {
			w.push(c)
		}
	}
}

// Close releases watchers; further operations fail
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for w := range m.watchers {
		w.close()
		delete(m.watchers, w)
	}
	return nil
}

func copyRecord(r Record) Record {
	r.Value = append([]byte(nil), r.Value...)
	return r
}
