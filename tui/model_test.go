package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
	"github.com/hochfrequenz/issue-orchestrator/web/client"
)

type fakeSource struct {
	tasks     []api.TaskResponse
	stats     *coordinator.Stats
	scheduler *poller.Status
	err       error

	cancelled []string
	polled    []string
}

func (f *fakeSource) ListTasks(context.Context, client.ListOptions) ([]api.TaskResponse, error) {
	return f.tasks, f.err
}

func (f *fakeSource) Stats(context.Context) (*coordinator.Stats, error) {
	return f.stats, f.err
}

func (f *fakeSource) SchedulerStatus(context.Context) (*poller.Status, error) {
	return f.scheduler, f.err
}

func (f *fakeSource) CancelTask(_ context.Context, id string) (string, error) {
	f.cancelled = append(f.cancelled, id)
	return "accepted", nil
}

func (f *fakeSource) PollSource(_ context.Context, repo string) (*poller.PollResult, error) {
	f.polled = append(f.polled, repo)
	return &poller.PollResult{Created: []string{"t9"}}, nil
}

func newFakeSource() *fakeSource {
	now := time.Now()
	return &fakeSource{
		tasks: []api.TaskResponse{
			{ID: "t1", WorkItem: "acme/widgets#1", Phase: domain.PhaseGenerating, Iteration: 1, MaxIterations: 3, UpdatedAt: now},
			{ID: "t2", WorkItem: "acme/widgets#2", Phase: domain.PhaseCompleted, Iteration: 2, MaxIterations: 3, UpdatedAt: now,
				PullRequest: &domain.PullRequestRef{Number: 14}},
			{ID: "t3", WorkItem: "acme/gadgets#5", Phase: domain.PhaseReviewing, Iteration: 1, MaxIterations: 3, UpdatedAt: now},
		},
		stats: &coordinator.Stats{
			Total: 3, Active: 2, Running: 2,
			ByOutcome: map[domain.OutcomeKind]int{domain.OutcomeApproved: 1},
		},
		scheduler: &poller.Status{
			Running: true,
			Sources: []poller.SourceStatus{
				{Ref: domain.SourceRef{Owner: "acme", Repo: "widgets"}, Enabled: true, Cursor: 2},
				{Ref: domain.SourceRef{Owner: "acme", Repo: "gadgets"}, Enabled: true, LastError: "rate limited"},
			},
		},
	}
}

// loaded runs the initial fetch synchronously
func loaded(t *testing.T, src *fakeSource) Model {
	t.Helper()
	m := NewModel(ModelConfig{Source: src})
	msg := m.Init()()
	next, _ := m.Update(msg)
	next, _ = next.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestNewModel_DefaultRefresh(t *testing.T) {
	m := NewModel(ModelConfig{})
	if m.interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", m.interval)
	}
	if m.View() != "Loading..." {
		t.Errorf("View before size = %q, want Loading...", m.View())
	}
}

func TestModel_DataMsgPopulatesModel(t *testing.T) {
	m := loaded(t, newFakeSource())

	if len(m.tasks) != 3 {
		t.Errorf("tasks = %d, want 3", len(m.tasks))
	}
	if got := len(m.visibleTasks()); got != 2 {
		t.Errorf("dashboard rows = %d, want 2 active", got)
	}
	if m.lastRefresh.IsZero() {
		t.Error("lastRefresh not set")
	}

	view := m.View()
	for _, want := range []string{"Running: 2", "acme/widgets#1", "acme/gadgets#5", "Scheduler: polling"} {
		if !strings.Contains(view, want) {
			t.Errorf("dashboard view missing %q", want)
		}
	}
	if strings.Contains(view, "acme/widgets#2") {
		t.Error("dashboard should hide finished tasks")
	}
}

func TestModel_FetchErrorKeepsLastSnapshot(t *testing.T) {
	src := newFakeSource()
	m := loaded(t, src)

	src.err = errors.New("connection refused")
	next, cmd := m.Update(m.fetchCmd()())
	m = next.(Model)

	if cmd == nil {
		t.Error("expected the next tick to be scheduled after an error")
	}
	if len(m.tasks) != 3 {
		t.Errorf("tasks = %d after failed refresh, want last snapshot kept", len(m.tasks))
	}
	if !strings.Contains(m.View(), "connection refused") {
		t.Error("view should show the fetch error")
	}
}

func TestModel_TabSwitching(t *testing.T) {
	m := loaded(t, newFakeSource())

	for i, want := range []int{TabTasks, TabSources, TabDashboard} {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
		m = next.(Model)
		if m.activeTab != want {
			t.Errorf("after tab %d: activeTab = %d, want %d", i+1, m.activeTab, want)
		}
	}

	next, _ := m.Update(key("3"))
	m = next.(Model)
	if m.activeTab != TabSources {
		t.Errorf("activeTab = %d, want sources", m.activeTab)
	}
	if !strings.Contains(m.View(), "rate limited") {
		t.Error("sources view should show the last poll error")
	}
}

func TestModel_SelectionStaysInBounds(t *testing.T) {
	m := loaded(t, newFakeSource())

	for i := 0; i < 5; i++ {
		next, _ := m.Update(key("j"))
		m = next.(Model)
	}
	if m.selectedRow != 1 {
		t.Errorf("selectedRow = %d, want 1 (two active tasks)", m.selectedRow)
	}

	for i := 0; i < 5; i++ {
		next, _ := m.Update(key("k"))
		m = next.(Model)
	}
	if m.selectedRow != 0 {
		t.Errorf("selectedRow = %d, want 0", m.selectedRow)
	}
}

func TestModel_CancelSelectedTask(t *testing.T) {
	src := newFakeSource()
	m := loaded(t, src)

	next, _ := m.Update(key("j"))
	m = next.(Model)
	_, cmd := m.Update(key("c"))
	if cmd == nil {
		t.Fatal("cancel should return a command")
	}
	msg := cmd()
	if len(src.cancelled) != 1 || src.cancelled[0] != "t3" {
		t.Errorf("cancelled = %v, want [t3]", src.cancelled)
	}

	next, _ = m.Update(msg)
	m = next.(Model)
	if !strings.Contains(m.statusMsg, "t3") {
		t.Errorf("statusMsg = %q, want it to name the task", m.statusMsg)
	}
}

func TestModel_PollSelectedSource(t *testing.T) {
	src := newFakeSource()
	m := loaded(t, src)

	next, _ := m.Update(key("3"))
	m = next.(Model)
	next, _ = m.Update(key("j"))
	m = next.(Model)

	_, cmd := m.Update(key("p"))
	if cmd == nil {
		t.Fatal("poll should return a command")
	}
	cmd()
	if len(src.polled) != 1 || src.polled[0] != "acme/gadgets" {
		t.Errorf("polled = %v, want [acme/gadgets]", src.polled)
	}
}

func TestModel_Quit(t *testing.T) {
	m := loaded(t, newFakeSource())
	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"acme/widgets#12345", 10, "acme/wi..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
