package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
)

const tabCount = 3

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case "j", "down":
			if m.selectedRow < len(m.order)-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
		case "e":
			m.activeTab = 2
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tickCmd()

	case EventMsg:
		m.apply(events.Event(msg))
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.closed = true
	}

	return m, nil
}

// apply folds an event into the model
func (m *Model) apply(e events.Event) {
	m.log = append(m.log, e)
	if len(m.log) > maxEventLog {
		m.log = m.log[len(m.log)-maxEventLog:]
	}

	switch e.Type {
	case events.TypeRunStarted:
		m.runID = e.RunID

	case events.TypePassStarted:
		m.pass = e.Pass
		for _, j := range m.jobs {
			*j = JobView{Name: j.Name, State: StatePending}
		}

	case events.TypePassFinished:
		m.passTally = append(m.passTally, fmt.Sprintf("Pass %d: %s", e.Pass, e.Detail))

	case events.TypeJobState:
		j := m.job(e.Job)
		switch e.State {
		case "restarted":
			j.Restarts, _ = strconv.Atoi(e.Detail)
		case StateCompleted:
			j.State = StateCompleted
			j.Result = e.Detail
		default:
			j.State = e.State
		}
		j.Since = e.Time

	case events.TypeJobElapsed:
		m.job(e.Job).Elapsed = e.Detail

	case events.TypeProblemDevice:
		m.problems = append(m.problems, fmt.Sprintf("%s (%s)", e.Detail, e.Job))

	case events.TypeDevicesAvailable:
		m.devices = e.Detail

	case events.TypeRunFinished:
		m.result = e.State
	}
}
