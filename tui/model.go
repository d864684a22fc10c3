// Package tui is a live terminal dashboard for a scheduler run.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
)

// Job states as reported by the scheduler
const (
	StatePending   = "pending"
	StateStarting  = "starting"
	StateRunning   = "running"
	StateCompleted = "completed"
)

const maxEventLog = 200

// Model is the TUI application model
type Model struct {
	// Data
	plan      string
	runID     string
	passes    int
	parallel  int
	pass      int
	jobs      map[string]*JobView
	order     []string
	log       []events.Event
	problems  []string
	devices   string
	passTally []string
	result    string

	// Source
	events <-chan events.Event
	onQuit func()
	closed bool

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int

	now func() time.Time
}

// JobView is one job's row in the dashboard
type JobView struct {
	Name     string
	State    string
	Result   string
	Detail   string
	Since    time.Time
	Elapsed  string
	Restarts int
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Plan     string
	Jobs     []string
	Passes   int
	Parallel int
	// Events feeds the dashboard; the model stops listening when it closes
	Events <-chan events.Event
	// OnQuit is called when the user quits, typically cancelling the run
	OnQuit func()
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	m := Model{
		plan:     cfg.Plan,
		passes:   cfg.Passes,
		parallel: cfg.Parallel,
		jobs:     make(map[string]*JobView),
		events:   cfg.Events,
		onQuit:   cfg.OnQuit,
		now:      time.Now,
	}
	for _, name := range cfg.Jobs {
		m.job(name)
	}
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		waitForEvent(m.events),
	)
}

func (m *Model) job(name string) *JobView {
	if j, ok := m.jobs[name]; ok {
		return j
	}
	j := &JobView{Name: name, State: StatePending}
	m.jobs[name] = j
	m.order = append(m.order, name)
	return j
}

// Finished reports whether the run has ended
func (m Model) Finished() bool {
	return m.result != ""
}

// Counts returns the number of jobs per state
func (m Model) Counts() map[string]int {
	counts := make(map[string]int)
	for _, j := range m.jobs {
		counts[j.State]++
	}
	return counts
}

// TickMsg triggers a refresh
type TickMsg time.Time

// EventMsg carries one scheduler or session event
type EventMsg events.Event

// eventsClosedMsg is sent when the event channel closes
type eventsClosedMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg(e)
	}
}
