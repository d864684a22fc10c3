// Package observer aggregates job executions into run metrics.
package observer

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
)

// Observer collects job completions
type Observer struct {
	slowThreshold time.Duration
	clock         clock.Clock

	completions []completion
	running     map[string]RunningJob
	mu          sync.RWMutex
}

// RunningJob is a job of the current pass that has been launched
type RunningJob struct {
	Job   string
	Pass  int
	Since time.Time
	Slow  bool
}

type completion struct {
	Job         string
	Pass        int
	Result      domain.ExecutionResult
	Duration    time.Duration
	Wait        time.Duration
	Restarts    int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int
	TotalPassed    int
	TotalFailed    int
	TotalTimedOut  int
	TotalRestarts  int
	AvgDuration    time.Duration
	AvgWait        time.Duration
}

// New creates an Observer flagging jobs running longer than slowThreshold
func New(slowThreshold time.Duration, clk clock.Clock) *Observer {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Observer{
		slowThreshold: slowThreshold,
		clock:         clk,
		running:       make(map[string]RunningJob),
	}
}

// IsSlow returns true if a job started at runningSince has been running
// longer than the threshold
func (o *Observer) IsSlow(runningSince time.Time) bool {
	if runningSince.IsZero() || o.slowThreshold <= 0 {
		return false
	}
	return o.clock.Since(runningSince) > o.slowThreshold
}

// RecordExecution records a completed job; it matches the scheduler's
// OnJobComplete hook
func (o *Observer) RecordExecution(info scheduler.ExecutionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		Job:         info.Name,
		Pass:        info.Pass,
		Result:      info.Result,
		Duration:    info.Duration(),
		Wait:        info.WaitDuration(),
		Restarts:    info.Restarts,
		CompletedAt: o.clock.Now(),
	})
}

// GetMetrics returns aggregated metrics. Averages cover started jobs only.
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration, totalWait time.Duration
	var started int

	for _, c := range o.completions {
		metrics.TotalCompleted++
		metrics.TotalRestarts += c.Restarts
		switch c.Result {
		case domain.ResultPassed:
			metrics.TotalPassed++
		case domain.ResultFailed:
			metrics.TotalFailed++
		case domain.ResultTimedOut:
			metrics.TotalTimedOut++
		}
		if c.Duration > 0 {
			started++
			totalDuration += c.Duration
			totalWait += c.Wait
		}
	}

	if started > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(started)
		metrics.AvgWait = totalWait / time.Duration(started)
	}

	return metrics
}

// GetRecentCompletions returns the jobs completed within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.clock.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.Job)
		}
	}

	return result
}

// Observe follows job state events to know which jobs are running
func (o *Observer) Observe(e events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Type {
	case events.TypePassStarted, events.TypeRunFinished:
		clear(o.running)
	case events.TypeJobState:
		switch e.State {
		case "running":
			at := e.Time
			if at.IsZero() {
				at = o.clock.Now()
			}
			o.running[e.Job] = RunningJob{Job: e.Job, Pass: e.Pass, Since: at}
		case "completed":
			delete(o.running, e.Job)
		}
	}
}

// Running returns the running jobs, longest running first, flagging those
// over the slow threshold
func (o *Observer) Running() []RunningJob {
	o.mu.RLock()
	out := make([]RunningJob, 0, len(o.running))
	for _, r := range o.running {
		out = append(out, r)
	}
	o.mu.RUnlock()

	for i := range out {
		out[i].Slow = o.IsSlow(out[i].Since)
	}
	slices.SortFunc(out, func(a, b RunningJob) int {
		if c := a.Since.Compare(b.Since); c != 0 {
			return c
		}
		return cmp.Compare(a.Job, b.Job)
	})
	return out
}
