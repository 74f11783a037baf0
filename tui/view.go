package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimmedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle  = lipgloss.NewStyle().Background(lipgloss.Color("238"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

var tabNames = []string{"Dashboard", "Tasks", "Sources"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Width(m.width).Render(m.header()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var body string
	switch m.activeTab {
	case TabDashboard:
		body = m.renderDashboard()
	case TabTasks:
		body = m.renderTaskTable("All tasks", m.visibleTasks())
	case TabSources:
		body = m.renderSources()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(body))
	b.WriteString("\n")

	if m.lastErr != nil {
		b.WriteString(failedStyle.Render(" Server unreachable: " + m.lastErr.Error()))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(dimmedStyle.Render(" " + m.statusMsg))
		b.WriteString("\n")
	}

	help := " [tab]switch [j/k]select [c]ancel task [r]efresh [q]uit "
	if m.activeTab == TabSources {
		help = " [tab]switch [j/k]select [p]oll now [r]efresh [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(help))
	return b.String()
}

func (m Model) header() string {
	if m.stats == nil {
		return " Issue Orchestrator │ connecting..."
	}
	scheduler := "stopped"
	if m.scheduler != nil && m.scheduler.Running {
		scheduler = "polling"
	}
	return fmt.Sprintf(" Issue Orchestrator │ Running: %d │ Active: %d │ Total: %d │ Scheduler: %s │ Updated %s ",
		m.stats.Running, m.stats.Active, m.stats.Total, scheduler, humanize.Time(m.lastRefresh))
}

func (m Model) renderTabs() string {
	var tabs []string
	for i, name := range tabNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if i == m.activeTab {
			tabs = append(tabs, tabActiveStyle.Render(label))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(label))
		}
	}
	return " " + strings.Join(tabs, "   ")
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	b.WriteString(m.renderTaskTable("Active tasks", m.visibleTasks()))

	if m.stats != nil && len(m.stats.ByOutcome) > 0 {
		b.WriteString("\n\n")
		b.WriteString(titleStyle.Render("Outcomes"))
		b.WriteString("\n")
		for _, kind := range outcomeOrder {
			n := m.stats.ByOutcome[kind]
			if n == 0 {
				continue
			}
			b.WriteString(fmt.Sprintf("  %-26s %s\n", kind, outcomeStyle(kind).Render(humanize.Comma(int64(n)))))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var outcomeOrder = []domain.OutcomeKind{
	domain.OutcomeApproved,
	domain.OutcomeExhausted,
	domain.OutcomeCancelled,
	domain.OutcomeUnparsableWorkItem,
	domain.OutcomeGenerationUnrecoverable,
	domain.OutcomeExternalFailure,
}

func (m Model) renderTaskTable(title string, tasks []api.TaskResponse) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s (%d)", title, len(tasks))))
	b.WriteString("\n")
	if len(tasks) == 0 {
		b.WriteString(dimmedStyle.Render("  nothing here"))
		return b.String()
	}

	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %-28s %-24s %-6s %-6s %s", "WORK ITEM", "PHASE", "ITER", "PR", "UPDATED")))
	b.WriteString("\n")

	end := min(m.scroll+maxVisibleRows, len(tasks))
	for i := m.scroll; i < end; i++ {
		t := tasks[i]
		pr := "-"
		if t.PullRequest != nil {
			pr = fmt.Sprintf("#%d", t.PullRequest.Number)
		}
		phase := string(t.Phase)
		if t.CancelRequested && !t.Phase.IsTerminal() {
			phase += " (cancelling)"
		}
		line := fmt.Sprintf("  %-28s %-24s %-6s %-6s %s",
			truncate(t.WorkItem, 28), phase, fmt.Sprintf("%d/%d", t.Iteration, t.MaxIterations), pr, humanize.Time(t.UpdatedAt))
		line = phaseStyle(t.Phase).Render(line)
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(tasks) > end {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ... %d more", len(tasks)-end)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderSources() string {
	var b strings.Builder
	if m.scheduler == nil || len(m.scheduler.Sources) == 0 {
		b.WriteString(titleStyle.Render("Monitored repositories (0)"))
		b.WriteString("\n")
		b.WriteString(dimmedStyle.Render("  add one with: issue-orch source add OWNER/REPO"))
		return b.String()
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("Monitored repositories (%d)", len(m.scheduler.Sources))))
	b.WriteString("\n")
	for i, s := range m.scheduler.Sources {
		state := "idle"
		style := dimmedStyle
		switch {
		case !s.Enabled:
			state = "disabled"
		case s.InFlight:
			state, style = "polling", runningStyle
		case s.LastError != "":
			state, style = "error", warningStyle
		}
		next := "-"
		if !s.NextPoll.IsZero() && s.Enabled {
			next = humanize.Time(s.NextPoll)
		}
		line := style.Render(fmt.Sprintf("  %-32s %-9s cursor %-6d next %-16s created %d",
			truncate(s.Ref.String(), 32), state, s.Cursor, next, s.TasksCreated))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if s.LastError != "" {
			b.WriteString(warningStyle.Render("    " + truncate(s.LastError, max(m.width-10, 20))))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func phaseStyle(p domain.Phase) lipgloss.Style {
	switch p {
	case domain.PhaseCompleted:
		return completedStyle
	case domain.PhaseFailed:
		return failedStyle
	case domain.PhaseCancelled, domain.PhaseExhausted:
		return warningStyle
	case domain.PhaseParsing:
		return dimmedStyle
	}
	return runningStyle
}

func outcomeStyle(k domain.OutcomeKind) lipgloss.Style {
	switch k {
	case domain.OutcomeApproved:
		return completedStyle
	case domain.OutcomeCancelled, domain.OutcomeExhausted:
		return warningStyle
	}
	return failedStyle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
