package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("237"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	counts := m.Counts()
	pass := "-"
	if m.pass > 0 {
		pass = fmt.Sprintf("%d/%d", m.pass, m.passes)
	}
	header := fmt.Sprintf(" %s │ Pass: %s │ Parallel: %d │ Running: %d │ Pending: %d │ Done: %d ",
		m.plan, pass, m.parallel,
		counts[StateStarting]+counts[StateRunning], counts[StatePending], counts[StateCompleted])
	if m.devices != "" {
		header += fmt.Sprintf("│ Devices free: %s ", m.devices)
	}
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	switch m.activeTab {
	case 0:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRunning()))
		b.WriteString("\n")
		if len(m.passTally) > 0 {
			b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderPasses()))
			b.WriteString("\n")
		}
		if len(m.problems) > 0 {
			b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderProblems()))
			b.WriteString("\n")
		}
	case 1:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderJobs()))
		b.WriteString("\n")
	case 2:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderEvents()))
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Width(m.width).Render(m.statusLine()))
	return b.String()
}

func (m Model) statusLine() string {
	run := m.runID
	if len(run) > 8 {
		run = run[:8]
	}
	switch {
	case m.Finished():
		return fmt.Sprintf(" Run %s %s │ q quit", run, strings.ToUpper(m.result))
	case m.closed:
		return " Event stream closed │ q quit"
	}
	return fmt.Sprintf(" Run %s │ tab switch view │ j/k select │ q cancel and quit", run)
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "Jobs", "Events"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderRunning() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNNING"))
	b.WriteString("\n")

	now := m.now()
	active := false
	for _, name := range m.order {
		j := m.jobs[name]
		if j.State != StateStarting && j.State != StateRunning {
			continue
		}
		active = true
		elapsed := ""
		if !j.Since.IsZero() {
			elapsed = formatDuration(now.Sub(j.Since))
		}
		line := fmt.Sprintf("  ● %-24s %-9s %6s", truncate(j.Name, 24), j.State, elapsed)
		if j.Restarts > 0 {
			line += fmt.Sprintf("  retry %d", j.Restarts)
		}
		if j.State == StateStarting {
			b.WriteString(warningStyle.Render(line))
		} else {
			b.WriteString(runningStyle.Render(line))
		}
		b.WriteString("\n")
	}

	if !active {
		if m.Finished() {
			b.WriteString(queuedStyle.Render("  Run finished"))
		} else {
			b.WriteString(queuedStyle.Render("  No jobs running"))
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderJobs() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("JOBS"))
	b.WriteString("\n")

	if len(m.order) == 0 {
		b.WriteString(queuedStyle.Render("  No jobs"))
		return b.String()
	}

	for i, name := range m.order {
		j := m.jobs[name]
		status := j.State
		if j.State == StateCompleted {
			status = j.Result
		}
		line := fmt.Sprintf("  %-24s %-10s", truncate(j.Name, 24), status)
		if j.Elapsed != "" && j.State == StateRunning {
			line += "  " + j.Elapsed
		}

		style := queuedStyle
		switch {
		case j.State == StateRunning || j.Result == "passed":
			style = runningStyle
		case j.Result == "failed" || j.Result == "timed_out":
			style = failedStyle
		case j.State == StateStarting:
			style = warningStyle
		}
		if i == m.selectedRow {
			style = style.Inherit(selectedStyle)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderPasses() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("PASSES"))
	for _, line := range m.passTally {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

func (m Model) renderProblems() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("PROBLEM DEVICES"))
	for _, p := range m.problems {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render("  ⚠ " + p))
	}
	return b.String()
}

func (m Model) renderEvents() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("EVENTS"))
	b.WriteString("\n")

	limit := m.height - 8
	if limit < 5 {
		limit = 5
	}
	start := 0
	if len(m.log) > limit {
		start = len(m.log) - limit
	}
	now := m.now()
	for _, e := range m.log[start:] {
		b.WriteString(fmt.Sprintf("  %-14s %s\n", humanize.RelTime(e.Time, now, "ago", "from now"), describe(e)))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func describe(e events.Event) string {
	parts := []string{string(e.Type)}
	if e.Pass > 0 {
		parts = append(parts, fmt.Sprintf("pass=%d", e.Pass))
	}
	if e.Job != "" {
		parts = append(parts, "job="+e.Job)
	}
	if e.State != "" {
		parts = append(parts, "state="+e.State)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
