// Package scheduler runs test jobs over one or more passes, bounded by a
// parallelism limit, with readiness probing, starvation eviction, max
// duration timeouts, in-place retries and cooperative cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"github.com/hochfrequenz/device-test-orchestrator/internal/config"
	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
	"github.com/hochfrequenz/device-test-orchestrator/internal/runctx"
)

// Options configures a Scheduler
type Options struct {
	Parallel    int
	TestLoops   int
	StopOnError bool
	NoTimeout   bool

	// Wait is how long a pending job may stay unready while nothing else
	// is in flight before it is evicted as timed out
	Wait               time.Duration
	ReadyCheckPeriod   time.Duration
	TickInterval       time.Duration
	InterPassDelay     time.Duration
	CancelGracePeriod  time.Duration
	ElapsedLogInterval time.Duration

	// RunID names the run in events and logs; a random UUID when empty
	RunID  string
	Clock  clock.Clock
	Run    *runctx.RunContext
	Logger *slog.Logger

	OnEvent       events.Handler
	OnJobComplete func(ExecutionInfo)
}

// OptionsFromConfig maps the [scheduler] config section
func OptionsFromConfig(c config.SchedulerConfig) Options {
	return Options{
		Parallel:           c.Parallel,
		TestLoops:          c.TestLoops,
		StopOnError:        c.StopOnError,
		NoTimeout:          c.NoTimeout,
		Wait:               c.Wait.Std(),
		ReadyCheckPeriod:   c.ReadyCheckPeriod.Std(),
		TickInterval:       c.TickInterval.Std(),
		InterPassDelay:     c.InterPassDelay.Std(),
		CancelGracePeriod:  c.CancelGracePeriod.Std(),
		ElapsedLogInterval: c.ElapsedLogInterval.Std(),
	}
}

// Scheduler runs test nodes. A Scheduler runs one set of nodes at a time.
type Scheduler struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger
	runID string
}

// New creates a Scheduler, filling unset limits with safe minimums
func New(opts Options) *Scheduler {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if opts.TestLoops < 1 {
		opts.TestLoops = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	opts.RunID = runID
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return &Scheduler{
		opts:  opts,
		clock: opts.Clock,
		log:   logging.Ensure(opts.Logger).With("run", short),
		runID: runID,
	}
}

// RunID identifies this scheduler's run in events and the result store
func (s *Scheduler) RunID() string {
	return s.runID
}

// Options returns the effective options
func (s *Scheduler) Options() Options {
	return s.opts
}

func validateNodes(nodes []TestNode) error {
	if len(nodes) == 0 {
		return errors.New("no test nodes")
	}
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n == nil {
			return fmt.Errorf("test node %d is nil", i)
		}
		if seen[n.Name()] {
			return fmt.Errorf("duplicate test node %q", n.Name())
		}
		seen[n.Name()] = true
	}
	return nil
}

// Run executes TestLoops passes over nodes and returns the tally. The only
// errors are invalid input; job failures and cancellation are reported in
// the summary.
func (s *Scheduler) Run(ctx context.Context, nodes []TestNode) (*Summary, error) {
	if err := validateNodes(nodes); err != nil {
		return nil, err
	}

	rc := s.opts.Run
	if rc == nil {
		rc = runctx.New(ctx)
	} else {
		stop := context.AfterFunc(ctx, func() { rc.Cancel(context.Cause(ctx)) })
		defer stop()
	}

	if s.opts.Parallel > 1 {
		nodes = sortByPriority(nodes)
	}

	summary := &Summary{RunID: s.runID, StartedAt: s.clock.Now()}
	s.log.Info("run started", "jobs", len(nodes), "passes", s.opts.TestLoops, "parallel", s.opts.Parallel)
	events.Emit(s.opts.OnEvent, events.Event{Type: events.TypeRunStarted, Time: summary.StartedAt, RunID: s.runID, Detail: fmt.Sprintf("%d jobs", len(nodes))})

	for n := 1; n <= s.opts.TestLoops; n++ {
		if n > 1 && s.opts.InterPassDelay > 0 {
			s.log.Info("waiting before next pass", "delay", s.opts.InterPassDelay)
			select {
			case <-s.clock.After(s.opts.InterPassDelay):
			case <-rc.Context().Done():
			}
		}
		if rc.Cancelled() {
			break
		}

		ps := s.runPass(rc, n, nodes)
		summary.Passes = append(summary.Passes, ps)
		if ps.Cancelled {
			break
		}
		if s.opts.StopOnError && ps.HasFailures() {
			s.log.Warn("stopping after failed pass", "pass", n)
			break
		}
	}

	summary.Cancelled = rc.Cancelled()
	summary.EndedAt = s.clock.Now()

	s.log.Info("run finished", "success", summary.Success(), "passes", len(summary.Passes),
		"failed_passes", summary.FailedPasses(), "cancelled", summary.Cancelled,
		"duration", summary.EndedAt.Sub(summary.StartedAt).Round(time.Second))
	events.Emit(s.opts.OnEvent, events.Event{Type: events.TypeRunFinished, Time: summary.EndedAt, RunID: s.runID, State: summary.Result()})
	return summary, nil
}

func (s *Scheduler) runPass(rc *runctx.RunContext, n int, nodes []TestNode) PassSummary {
	p := newPass(s, rc, n, s.opts.TestLoops, nodes)
	p.log.Info("pass started", "of", s.opts.TestLoops)
	events.Emit(s.opts.OnEvent, events.Event{Type: events.TypePassStarted, Time: s.clock.Now(), RunID: s.runID, Pass: n})

	for {
		if rc.Cancelled() {
			p.abort()
			break
		}
		if p.step() {
			break
		}
		select {
		case <-s.clock.After(s.opts.TickInterval):
		case <-rc.Context().Done():
		}
	}
	p.cleanup()

	ps := p.summary()
	ps.Cancelled = rc.Cancelled()
	p.log.Info("pass finished", "tally", ps.Tally(), "cancelled", ps.Cancelled)
	events.Emit(s.opts.OnEvent, events.Event{Type: events.TypePassFinished, Time: s.clock.Now(), RunID: s.runID, Pass: n, Detail: ps.Tally()})
	return ps
}
