// Package notify sends run notifications to the desktop and Slack.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	Fields  []Field
}

// Field is a labelled value shown next to the message where supported
type Field struct {
	Name  string
	Value string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers, even when some fail
func (m *MultiNotifier) Send(n Notification) error {
	var errs *multierror.Error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// RunFinished builds the notification for a finished run of plan
func RunFinished(plan string, s *scheduler.Summary) Notification {
	n := Notification{RunID: s.RunID}
	switch s.Result() {
	case "cancelled":
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("%s cancelled", plan)
	case "failed":
		n.Type = NotifyError
		n.Title = fmt.Sprintf("%s failed", plan)
	default:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("%s passed", plan)
	}

	var lines []string
	for _, p := range s.Passes {
		lines = append(lines, fmt.Sprintf("Pass %d: %s", p.Pass, p.Tally()))
		for _, e := range p.Executions {
			if e.Result == domain.ResultFailed || e.Result == domain.ResultTimedOut {
				line := fmt.Sprintf("  %s %s", e.Name, e.Result)
				if e.Detail != "" {
					line += ": " + e.Detail
				}
				lines = append(lines, line)
			}
		}
	}
	n.Fields = []Field{
		{Name: "Plan", Value: plan},
		{Name: "Passes", Value: fmt.Sprintf("%d (%d failed)", len(s.Passes), s.FailedPasses())},
	}
	if !s.EndedAt.IsZero() && !s.StartedAt.IsZero() {
		took := s.EndedAt.Sub(s.StartedAt).Round(time.Second)
		lines = append(lines, fmt.Sprintf("Took %s", took))
		n.Fields = append(n.Fields, Field{Name: "Duration", Value: took.String()})
	}
	n.Message = strings.Join(lines, "\n")
	return n
}
