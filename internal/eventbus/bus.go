// Package eventbus fans committed task state changes out to subscribers.
//
// Each subscription owns a bounded queue. When a subscriber falls behind,
// the oldest queued events are dropped and the next delivered event carries
// the Skipped marker; publishers never wait on subscribers. A new subscriber
// first receives a synthetic event describing the task's current persisted
// state, and its stream ends after the task reaches a terminal phase.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
)

// DefaultQueueSize is the per-subscription buffer
const DefaultQueueSize = 64

// ErrClosed is returned by Next once the stream has ended and is drained
var ErrClosed = errors.New("eventbus: subscription closed")

// SnapshotFunc returns the event describing the task's current persisted state
type SnapshotFunc func(ctx context.Context, taskID string) (domain.Event, error)

// Sink receives every published event. Handle must not block.
type Sink interface {
	Handle(ev domain.Event)
}

// Bus is a per-task publish/subscribe hub
type Bus struct {
	snapshot  SnapshotFunc
	queueSize int
	logger    *logging.Logger

	mu    sync.Mutex
	subs  map[string]map[*Subscription]struct{}
	sinks []Sink
}

// Option configures a Bus
type Option func(*Bus)

// WithQueueSize overrides DefaultQueueSize
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithSink adds a sink that sees every published event
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sinks = append(b.sinks, s) }
}

// New creates a bus. snapshot is consulted on every Subscribe.
func New(snapshot SnapshotFunc, opts ...Option) *Bus {
	b := &Bus{
		snapshot:  snapshot,
		queueSize: DefaultQueueSize,
		logger:    logging.Nop(),
		subs:      make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddSink registers a sink after construction
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish delivers ev to the task's subscribers and to every sink.
// It never blocks on a slow subscriber.
func (b *Bus) Publish(taskID string, ev domain.Event) {
	ev.TaskID = taskID

	b.mu.Lock()
	set := b.subs[taskID]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	if ev.Phase.IsTerminal() {
		delete(b.subs, taskID)
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range targets {
		s.push(ev)
		if ev.Phase.IsTerminal() {
			s.finish()
		}
	}
	for _, sink := range sinks {
		sink.Handle(ev)
	}
}

// Subscribe opens a stream for taskID. The first event is always the
// synthetic current-state event; events already reflected in it are
// not repeated.
func (b *Bus) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	s := &Subscription{
		bus:    b,
		taskID: taskID,
		limit:  b.queueSize,
		ready:  make(chan struct{}, 1),
	}

	// Register before reading state so nothing committed in between is missed.
	b.mu.Lock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[taskID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	snap, err := b.snapshot(ctx, taskID)
	if err != nil {
		b.remove(s)
		return nil, err
	}
	snap.TaskID = taskID
	snap.Synthetic = true
	s.seed(snap)

	if snap.Phase.IsTerminal() {
		b.remove(s)
		s.finish()
	}
	b.logger.Debug(ctx, "subscriber attached",
		zap.String("task.id", taskID), zap.String("phase", string(snap.Phase)), zap.Int64("version", snap.Version))
	return s, nil
}

// Subscribers returns the number of open subscriptions for taskID
func (b *Bus) Subscribers(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.taskID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.taskID)
		}
	}
}

// Subscription is one observer's bounded view of a task's events
type Subscription struct {
	bus    *Bus
	taskID string
	limit  int
	ready  chan struct{}

	mu          sync.Mutex
	queue       []domain.Event
	lastVersion int64
	skipped     bool
	dropped     int
	done        bool
}

// TaskID returns the task this subscription follows
func (s *Subscription) TaskID() string {
	return s.taskID
}

// Next returns the next event, waiting until one is available, the stream
// ends (ErrClosed) or ctx is done.
func (s *Subscription) Next(ctx context.Context) (domain.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = domain.Event{}
			s.queue = s.queue[1:]
			if s.skipped {
				ev.Skipped = true
				s.skipped = false
			}
			s.mu.Unlock()
			return ev, nil
		}
		done := s.done
		s.mu.Unlock()
		if done {
			return domain.Event{}, ErrClosed
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		}
	}
}

// Dropped returns how many events were discarded because the queue was full
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Events already queued can still be read.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.finish()
}

func (s *Subscription) push(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if ev.Version > 0 && ev.Version <= s.lastVersion {
		return
	}
	if ev.Version > s.lastVersion {
		s.lastVersion = ev.Version
	}
	s.enqueue(ev)
}

// seed puts the snapshot at the head and discards queued events it already covers
func (s *Subscription) seed(snap domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]domain.Event, 0, len(s.queue)+1)
	kept = append(kept, snap)
	for _, ev := range s.queue {
		if ev.Version > 0 && ev.Version <= snap.Version {
			continue
		}
		kept = append(kept, ev)
	}
	s.queue = kept
	if snap.Version > s.lastVersion {
		s.lastVersion = snap.Version
	}
	for len(s.queue) > s.limit {
		s.dropOldest()
	}
	s.signal()
}

func (s *Subscription) enqueue(ev domain.Event) {
	if len(s.queue) >= s.limit {
		s.dropOldest()
	}
	s.queue = append(s.queue, ev)
	s.signal()
}

func (s *Subscription) dropOldest() {
	s.queue[0] = domain.Event{}
	s.queue = s.queue[1:]
	s.dropped++
	s.skipped = true
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
