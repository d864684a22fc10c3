package scheduler

import (
	"context"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

// ExecutionInfo is the scheduler's record of one job in one pass
type ExecutionInfo struct {
	Name string
	Pass int

	FirstReadyCheckTime time.Time
	PreStartTime        time.Time
	PostStartTime       time.Time
	EndTime             time.Time

	Result   domain.ExecutionResult
	Restarts int
	// Detail explains failures that were not reported by the job itself
	Detail    string
	Cancelled bool
}

// Started reports whether the scheduler tried to start the job
func (e ExecutionInfo) Started() bool {
	return !e.PreStartTime.IsZero()
}

// Duration is the time the job spent running
func (e ExecutionInfo) Duration() time.Duration {
	if e.PostStartTime.IsZero() || e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.PostStartTime)
}

// WaitDuration is the time from the first readiness probe until the job
// was started, or until it was evicted when it never started
func (e ExecutionInfo) WaitDuration() time.Duration {
	if e.FirstReadyCheckTime.IsZero() {
		return 0
	}
	end := e.PreStartTime
	if end.IsZero() {
		end = e.EndTime
	}
	if end.IsZero() {
		return 0
	}
	return end.Sub(e.FirstReadyCheckTime)
}

type jobState int

const (
	statePending jobState = iota
	stateStarting
	stateRunning
	stateCompleted
)

func (s jobState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	}
	return "unknown"
}

// job is the mutable per-pass state of one node. Fields other than node are
// guarded by the run lock.
type job struct {
	node  TestNode
	state jobState
	info  ExecutionInfo

	// runningSince restarts with every in-place retry
	runningSince   time.Time
	lastElapsedLog time.Time

	cancelStart context.CancelFunc
	startDone   chan struct{}
	abandoned   bool
}
