package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const maxVisibleRows = 15

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		case "j", "down":
			if m.selectedRow < m.rowCount()-1 {
				m.selectedRow++
			}
			if m.selectedRow >= m.scroll+maxVisibleRows {
				m.scroll = m.selectedRow - maxVisibleRows + 1
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
			if m.selectedRow < m.scroll {
				m.scroll = m.selectedRow
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
			m.scroll = 0
		case "1":
			m.activeTab, m.selectedRow, m.scroll = TabDashboard, 0, 0
		case "2":
			m.activeTab, m.selectedRow, m.scroll = TabTasks, 0, 0
		case "3":
			m.activeTab, m.selectedRow, m.scroll = TabSources, 0, 0
		case "c":
			if m.activeTab == TabSources {
				break
			}
			rows := m.visibleTasks()
			if m.selectedRow < len(rows) {
				return m, m.cancelCmd(rows[m.selectedRow].ID)
			}
		case "p":
			if m.activeTab == TabSources && m.scheduler != nil && m.selectedRow < len(m.scheduler.Sources) {
				return m, m.pollCmd(m.scheduler.Sources[m.selectedRow].Ref.String())
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, m.fetchCmd()

	case DataMsg:
		m.lastErr = msg.Err
		if msg.Err == nil {
			m.tasks = msg.Tasks
			m.stats = msg.Stats
			m.scheduler = msg.Scheduler
			m.lastRefresh = msg.At
		}
		if n := m.rowCount(); m.selectedRow >= n {
			m.selectedRow = max(n-1, 0)
		}
		return m, m.tickCmd()

	case ActionMsg:
		if msg.Err != nil {
			m.statusMsg = "Error: " + msg.Err.Error()
		} else {
			m.statusMsg = msg.Text
		}
		return m, m.fetchCmd()
	}

	return m, nil
}

func (m Model) cancelCmd(id string) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := src.CancelTask(ctx, id)
		if err != nil {
			return ActionMsg{Err: err}
		}
		if res == "already_terminal" {
			return ActionMsg{Text: fmt.Sprintf("Task %s already finished", id)}
		}
		return ActionMsg{Text: fmt.Sprintf("Cancellation requested for %s", id)}
	}
}

func (m Model) pollCmd(repo string) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := src.PollSource(ctx, repo)
		if err != nil {
			return ActionMsg{Err: err}
		}
		return ActionMsg{Text: fmt.Sprintf("Polled %s: %d new tasks", repo, len(res.Created))}
	}
}
