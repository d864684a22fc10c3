package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

// TestNode is one independently schedulable test job. StartTest runs on a
// worker goroutine of its own; every other method is called from the
// controlling goroutine of the pass.
type TestNode interface {
	Name() string
	Priority() Priority
	// MaxDuration bounds a running job; zero means unbounded
	MaxDuration() time.Duration

	IsReadyToStart() bool
	StartTest(ctx context.Context, pass, totalPasses int) bool
	TickTest()
	GetTestStatus() domain.TestStatus
	StopTest(wasCancelled bool)
	GetTestResult() domain.TestResult
	RestartTest(ctx context.Context) bool
	CleanupTest()
}

// Priority orders pending jobs when more than one may run at a time
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityIdle
)

var priorityNames = []string{"critical", "high", "normal", "low", "idle"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the lower-case names; "" is normal
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	if i := slices.Index(priorityNames, s); i >= 0 {
		return Priority(i), nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// sortByPriority orders nodes most urgent first. The sort is stable so
// nodes of equal priority keep their plan order.
func sortByPriority(nodes []TestNode) []TestNode {
	sorted := slices.Clone(nodes)
	slices.SortStableFunc(sorted, func(a, b TestNode) int {
		return int(a.Priority()) - int(b.Priority())
	})
	return sorted
}
