package scheduler

import (
	"fmt"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

// PassSummary tallies one pass
type PassSummary struct {
	Pass       int
	Executions []ExecutionInfo

	Attempted  int
	Passed     int
	Failed     int
	TimedOut   int
	NotStarted int
	Cancelled  bool
}

func (ps *PassSummary) add(info ExecutionInfo) {
	ps.Executions = append(ps.Executions, info)
	if info.Started() {
		ps.Attempted++
	}
	switch info.Result {
	case domain.ResultPassed:
		ps.Passed++
	case domain.ResultFailed:
		ps.Failed++
	case domain.ResultTimedOut:
		ps.TimedOut++
	default:
		ps.NotStarted++
	}
}

// HasFailures reports failed or timed-out jobs
func (ps PassSummary) HasFailures() bool {
	return ps.Failed > 0 || ps.TimedOut > 0
}

// Tally is the one-line result shown at the end of a pass
func (ps PassSummary) Tally() string {
	return fmt.Sprintf("%d/%d attempted, %d passed, %d failed, %d timed out",
		ps.Attempted, len(ps.Executions), ps.Passed, ps.Failed, ps.TimedOut)
}

// Execution returns the record of the named job
func (ps PassSummary) Execution(name string) (ExecutionInfo, bool) {
	for _, e := range ps.Executions {
		if e.Name == name {
			return e, true
		}
	}
	return ExecutionInfo{}, false
}

// Summary is the outcome of a run
type Summary struct {
	RunID     string
	StartedAt time.Time
	EndedAt   time.Time
	Passes    []PassSummary
	Cancelled bool
}

// FailedPasses counts passes with failed or timed-out jobs
func (s *Summary) FailedPasses() int {
	n := 0
	for _, p := range s.Passes {
		if p.HasFailures() {
			n++
		}
	}
	return n
}

// Success is true when no pass failed and the run was not cancelled
func (s *Summary) Success() bool {
	return !s.Cancelled && s.FailedPasses() == 0
}

// Result is "passed", "failed" or "cancelled"
func (s *Summary) Result() string {
	switch {
	case s.Cancelled:
		return "cancelled"
	case s.FailedPasses() > 0:
		return "failed"
	}
	return "passed"
}
