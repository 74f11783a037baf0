// Package tui is the terminal dashboard over the Control API.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
	"github.com/hochfrequenz/issue-orchestrator/web/client"
)

// Tabs
const (
	TabDashboard = iota
	TabTasks
	TabSources
	tabCount
)

// Source is the part of the API client the dashboard reads from
type Source interface {
	ListTasks(ctx context.Context, opts client.ListOptions) ([]api.TaskResponse, error)
	Stats(ctx context.Context) (*coordinator.Stats, error)
	SchedulerStatus(ctx context.Context) (*poller.Status, error)
	CancelTask(ctx context.Context, id string) (string, error)
	PollSource(ctx context.Context, repo string) (*poller.PollResult, error)
}

// Model is the TUI application model
type Model struct {
	src      Source
	interval time.Duration

	// Data
	tasks     []api.TaskResponse
	stats     *coordinator.Stats
	scheduler *poller.Status

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	scroll      int

	statusMsg   string
	lastErr     error
	lastRefresh time.Time
}

// ModelConfig holds the TUI's dependencies
type ModelConfig struct {
	Source Source

	// Refresh is the polling interval; defaults to two seconds
	Refresh time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	interval := cfg.Refresh
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		src:      cfg.Source,
		interval: interval,
	}
}

// Init fetches the first snapshot
func (m Model) Init() tea.Cmd {
	return m.fetchCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

// DataMsg carries a fresh snapshot from the server
type DataMsg struct {
	Tasks     []api.TaskResponse
	Stats     *coordinator.Stats
	Scheduler *poller.Status
	Err       error
	At        time.Time
}

// ActionMsg reports the result of a user action
type ActionMsg struct {
	Text string
	Err  error
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		msg := DataMsg{At: time.Now()}
		tasks, err := src.ListTasks(ctx, client.ListOptions{})
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.Tasks = tasks
		if msg.Stats, err = src.Stats(ctx); err != nil {
			msg.Err = err
			return msg
		}
		if msg.Scheduler, err = src.SchedulerStatus(ctx); err != nil {
			msg.Err = err
		}
		return msg
	}
}

// visibleTasks returns the rows of the current tab
func (m Model) visibleTasks() []api.TaskResponse {
	if m.activeTab != TabDashboard {
		return m.tasks
	}
	var active []api.TaskResponse
	for _, t := range m.tasks {
		if !t.Phase.IsTerminal() {
			active = append(active, t)
		}
	}
	return active
}

func (m Model) rowCount() int {
	switch m.activeTab {
	case TabSources:
		if m.scheduler == nil {
			return 0
		}
		return len(m.scheduler.Sources)
	default:
		return len(m.visibleTasks())
	}
}
