package observer

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// Metrics holds the orchestrator's Prometheus metrics. It is an event bus
// sink: every committed task change passes through Handle.
//
// Metrics:
//   - issueorch_events_total - events published on the bus
//   - issueorch_tasks_created_total - tasks seen for the first time
//   - issueorch_phase_entries_total{phase} - phase changes
//   - issueorch_tasks_finished_total{outcome} - terminal outcomes
//   - issueorch_task_duration_seconds{outcome} - creation to terminal state
//   - issueorch_review_iterations - iterations used by finished tasks
//   - issueorch_tasks_active, issueorch_tasks_stuck - set by the stuck check
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal      prometheus.Counter
	TasksCreated     prometheus.Counter
	PhaseEntries     *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	ReviewIterations prometheus.Histogram
	ActiveTasks      prometheus.Gauge
	StuckTasks       prometheus.Gauge

	mu    sync.Mutex
	tasks map[string]taskSeen
}

type taskSeen struct {
	phase domain.Phase
	first time.Time
}

// NewMetrics registers the metrics on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "issueorch_events_total",
			Help: "Total number of task events published",
		}),
		TasksCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "issueorch_tasks_created_total",
			Help: "Total number of tasks observed starting",
		}),
		PhaseEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "issueorch_phase_entries_total",
			Help: "Total number of times tasks entered a phase",
		}, []string{"phase"}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "issueorch_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal phase",
		}, []string{"outcome"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "issueorch_task_duration_seconds",
			Help:    "Duration of finished tasks in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~5.7h
		}, []string{"outcome"}),
		ReviewIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "issueorch_review_iterations",
			Help:    "Review iterations used by finished tasks",
			Buckets: prometheus.LinearBuckets(1, 1, domain.MaxIterationsLimit),
		}),
		ActiveTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "issueorch_tasks_active",
			Help: "Number of non-terminal tasks",
		}),
		StuckTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "issueorch_tasks_stuck",
			Help: "Number of non-terminal tasks without recent progress",
		}),
		tasks: make(map[string]taskSeen),
	}
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Handle implements eventbus.Sink
func (m *Metrics) Handle(ev domain.Event) {
	if ev.Synthetic {
		return
	}
	m.EventsTotal.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	seen, known := m.tasks[ev.TaskID]
	if !known {
		seen.first = ev.At
		if ev.Phase == domain.PhaseParsing {
			m.TasksCreated.Inc()
		}
	}
	if !known || seen.phase != ev.Phase {
		m.PhaseEntries.WithLabelValues(string(ev.Phase)).Inc()
		seen.phase = ev.Phase
	}

	if !ev.Phase.IsTerminal() {
		m.tasks[ev.TaskID] = seen
		return
	}
	delete(m.tasks, ev.TaskID)

	outcome := string(ev.Phase)
	if ev.Outcome != nil {
		outcome = string(ev.Outcome.Kind)
	}
	m.TasksFinished.WithLabelValues(outcome).Inc()
	m.ReviewIterations.Observe(float64(ev.Iteration))
	if known && !seen.first.IsZero() && ev.At.After(seen.first) {
		m.TaskDuration.WithLabelValues(outcome).Observe(ev.At.Sub(seen.first).Seconds())
	}
}
