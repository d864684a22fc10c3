// Package batch triggers recurring plan runs on cron schedules.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

// RunFunc runs one batch. The context ends after the batch's MaxDuration
// or when the scheduler stops.
type RunFunc func(ctx context.Context, b Batch) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler manages scheduled batch runs
type Scheduler struct {
	batches   map[string]Batch
	schedules map[string]cron.Schedule
	clock     clock.Clock
	log       *slog.Logger

	mu      sync.RWMutex
	lastRun map[string]time.Time
	running map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a batch scheduler. A nil clock uses the real clock.
func NewScheduler(batches []Batch, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	if clk == nil {
		clk = clock.NewClock()
	}
	s := &Scheduler{
		batches:   make(map[string]Batch),
		schedules: make(map[string]cron.Schedule),
		clock:     clk,
		log:       logging.Ensure(logger),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
	}

	for _, b := range batches {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.batches[b.Name]; dup {
			return nil, fmt.Errorf("duplicate batch %q", b.Name)
		}
		sched, _ := ParseCron(b.Cron)
		s.batches[b.Name] = b
		s.schedules[b.Name] = sched
	}

	return s, nil
}

// NextRun returns the next scheduled run time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.clock.Now())
}

// ShouldRun returns true if a batch is due and not already running. A batch
// that never ran counts as last run a day ago.
func (s *Scheduler) ShouldRun(name string) bool {
	sched, ok := s.schedules[name]
	if !ok {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.running[name] {
		return false
	}

	now := s.clock.Now()
	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = now.Add(-24 * time.Hour)
	}
	return !sched.Next(lastRun).After(now)
}

// MarkRunning marks a batch as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a batch as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.clock.Now()
}

// IsRunning reports whether a batch run is in progress
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[name]
}

// Get returns a batch by name
func (s *Scheduler) Get(name string) (Batch, bool) {
	b, ok := s.batches[name]
	return b, ok
}

// ListBatches returns all batch names, sorted
func (s *Scheduler) ListBatches() []string {
	names := make([]string, 0, len(s.batches))
	for name := range s.batches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start checks schedules once a minute and launches due batches until ctx
// ends or Stop is called
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ctx, s.cancel = context.WithCancel(ctx)
	ticker := s.clock.NewTicker(time.Minute)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				s.launchDue(ctx, run)
			}
		}
	}()
}

func (s *Scheduler) launchDue(ctx context.Context, run RunFunc) {
	for _, name := range s.ListBatches() {
		if !s.ShouldRun(name) {
			continue
		}
		b := s.batches[name]
		s.MarkRunning(name)
		s.log.Info("batch starting", "batch", name, "plan", b.Plan, "max_duration", b.MaxDuration)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.MarkComplete(b.Name)

			runCtx, cancel := context.WithTimeout(ctx, b.MaxDuration)
			defer cancel()
			if err := run(runCtx, b); err != nil {
				s.log.Error("batch failed", "batch", b.Name, "err", err)
				return
			}
			s.log.Info("batch finished", "batch", b.Name, "next", s.NextRun(b.Name))
		}()
	}
}

// Stop stops the scheduler and waits for running batches to return
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
