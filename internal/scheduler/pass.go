package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
	"github.com/hochfrequenz/device-test-orchestrator/internal/runctx"
)

// pass drives every job of one pass through
// pending -> starting -> running -> completed
type pass struct {
	s      *Scheduler
	rc     *runctx.RunContext
	number int
	total  int
	jobs   []*job
	log    *slog.Logger

	// sweep bookkeeping is only touched by the controlling goroutine
	swept     bool
	lastSweep time.Time

	starters sync.WaitGroup
}

func newPass(s *Scheduler, rc *runctx.RunContext, number, total int, nodes []TestNode) *pass {
	p := &pass{
		s:      s,
		rc:     rc,
		number: number,
		total:  total,
		log:    s.log.With("pass", number),
	}
	for _, n := range nodes {
		p.jobs = append(p.jobs, &job{
			node: n,
			info: ExecutionInfo{Name: n.Name(), Pass: number, Result: domain.ResultNotStarted},
		})
	}
	return p
}

// protect runs fn, turning a panic into an error
func protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

// countLocked must be called with the run lock held
func (p *pass) countLocked(states ...jobState) int {
	n := 0
	for _, j := range p.jobs {
		for _, s := range states {
			if j.state == s {
				n++
				break
			}
		}
	}
	return n
}

func (p *pass) inFlight() int {
	var n int
	p.rc.WithLock(func() { n = p.countLocked(stateStarting, stateRunning) })
	return n
}

func (p *pass) inState(s jobState) []*job {
	var out []*job
	p.rc.WithLock(func() {
		for _, j := range p.jobs {
			if j.state == s {
				out = append(out, j)
			}
		}
	})
	return out
}

// step runs one scheduling iteration and reports whether every job of the
// pass has completed
func (p *pass) step() bool {
	now := p.s.clock.Now()
	for _, j := range p.inState(stateRunning) {
		p.tick(j, now, false)
	}
	p.admit(now)

	var done bool
	p.rc.WithLock(func() { done = p.countLocked(stateCompleted) == len(p.jobs) })
	return done
}

// admit probes pending jobs in order and starts each ready one while there
// is room. Probes run once per ReadyCheckPeriod, except that a job past the
// starvation wait while nothing is in flight is probed on every step and
// evicted as timed out when it is still not ready.
func (p *pass) admit(now time.Time) {
	opts := p.s.opts

	var pending []*job
	var firstChecks []time.Time
	var inflight int
	p.rc.WithLock(func() {
		inflight = p.countLocked(stateStarting, stateRunning)
		if inflight >= opts.Parallel {
			return
		}
		sweep := !p.swept || now.Sub(p.lastSweep) >= opts.ReadyCheckPeriod
		if sweep {
			p.swept = true
			p.lastSweep = now
		}
		for _, j := range p.jobs {
			if j.state != statePending {
				continue
			}
			if sweep && j.info.FirstReadyCheckTime.IsZero() {
				j.info.FirstReadyCheckTime = now
			}
			if !sweep && !(inflight == 0 && p.starvedLocked(j, now)) {
				continue
			}
			pending = append(pending, j)
			firstChecks = append(firstChecks, j.info.FirstReadyCheckTime)
		}
	})

	for i, j := range pending {
		if inflight >= opts.Parallel {
			return
		}
		ready := false
		if err := protect(func() { ready = j.node.IsReadyToStart() }); err != nil {
			p.log.Error("readiness check failed", "job", j.node.Name(), "err", err)
			p.finish(j, now, domain.ResultFailed, "readiness check: "+err.Error(), false)
			continue
		}
		if ready {
			p.start(j, now)
			inflight++
			continue
		}
		if inflight == 0 && opts.Wait > 0 && now.Sub(firstChecks[i]) >= opts.Wait {
			p.log.Warn("job starved of resources, evicting", "job", j.node.Name(), "waited", now.Sub(firstChecks[i]))
			p.finish(j, now, domain.ResultTimedOut, fmt.Sprintf("not ready after %s", opts.Wait), false)
		}
	}
}

// starvedLocked reports whether j has waited past the starvation wait
func (p *pass) starvedLocked(j *job, now time.Time) bool {
	first := j.info.FirstReadyCheckTime
	return p.s.opts.Wait > 0 && !first.IsZero() && now.Sub(first) >= p.s.opts.Wait
}

// start moves j to starting and hands StartTest to a worker goroutine
func (p *pass) start(j *job, now time.Time) {
	ctx, cancel := context.WithCancel(p.rc.Context())
	p.rc.WithLock(func() {
		j.state = stateStarting
		j.info.PreStartTime = now
		j.cancelStart = cancel
		j.startDone = make(chan struct{})
	})
	p.log.Info("starting job", "job", j.node.Name(), "waited", now.Sub(j.info.FirstReadyCheckTime))
	p.emit(j, stateStarting.String(), "")

	p.starters.Add(1)
	go p.runStarter(ctx, j)
}

func (p *pass) runStarter(ctx context.Context, j *job) {
	defer p.starters.Done()
	defer close(j.startDone)

	ok := false
	err := protect(func() { ok = j.node.StartTest(ctx, p.number, p.total) })
	now := p.s.clock.Now()

	var abandoned bool
	p.rc.WithLock(func() {
		abandoned = j.abandoned
		if abandoned {
			return
		}
		j.info.PostStartTime = now
		if err == nil && ok {
			j.state = stateRunning
			j.runningSince = now
			j.lastElapsedLog = now
		}
	})

	name := j.node.Name()
	switch {
	case abandoned:
		// The pass already gave up on this job; tear down whatever started
		if ok {
			protect(func() { j.node.StopTest(true) })
		}
		protect(j.node.CleanupTest)
		p.log.Warn("abandoned job finished starting", "job", name, "started", ok)
	case err != nil:
		p.log.Error("starting job panicked", "job", name, "err", err)
		p.finish(j, now, domain.ResultFailed, "start: "+err.Error(), false)
	case !ok:
		p.log.Warn("job failed to start", "job", name)
		p.finish(j, now, domain.ResultFailed, "failed to start", ctx.Err() != nil)
	default:
		p.log.Info("job running", "job", name)
		p.emit(j, stateRunning.String(), "")
	}
}

// tick advances one running job. While cancelling, a job that does not
// complete on this tick is stopped with wasCancelled set.
func (p *pass) tick(j *job, now time.Time, cancelling bool) {
	name := j.node.Name()

	var status domain.TestStatus
	err := protect(func() {
		j.node.TickTest()
		status = j.node.GetTestStatus()
	})
	if err != nil {
		p.log.Error("tick failed", "job", name, "err", err)
		p.stop(j, now, domain.ResultFailed, "tick: "+err.Error(), false)
		return
	}

	if status == domain.TestComplete {
		var result domain.TestResult
		if err := protect(func() { result = j.node.GetTestResult() }); err != nil {
			p.stop(j, now, domain.ResultFailed, "result: "+err.Error(), false)
			return
		}
		switch result {
		case domain.TestPassed:
			p.stop(j, now, domain.ResultPassed, "", false)
		case domain.TestWantRetry:
			if cancelling {
				p.stop(j, now, domain.ResultFailed, "cancelled before retry", true)
				return
			}
			if !p.restart(j) {
				p.stop(j, now, domain.ResultFailed, "restart failed", false)
			}
		default:
			p.stop(j, now, domain.ResultFailed, "", false)
		}
		return
	}

	var since, lastLog time.Time
	p.rc.WithLock(func() { since, lastLog = j.runningSince, j.lastElapsedLog })
	elapsed := now.Sub(since)

	if limit := j.node.MaxDuration(); !p.s.opts.NoTimeout && limit > 0 && elapsed > limit {
		p.log.Warn("job exceeded max duration", "job", name, "elapsed", elapsed, "max", limit)
		p.stop(j, now, domain.ResultFailed, fmt.Sprintf("exceeded max duration %s", limit), false)
		return
	}
	if cancelling {
		p.stop(j, now, domain.ResultFailed, "cancelled", true)
		return
	}

	if iv := p.s.opts.ElapsedLogInterval; iv > 0 && now.Sub(lastLog) >= iv {
		p.rc.WithLock(func() { j.lastElapsedLog = now })
		p.log.Info("job still running", "job", name, "elapsed", elapsed.Round(time.Second))
		events.Emit(p.s.opts.OnEvent, events.Event{
			Type: events.TypeJobElapsed, Time: now, RunID: p.s.runID, Job: name, Pass: p.number,
			Detail: elapsed.Round(time.Second).String(),
		})
	}
}

// restart asks the job to restart in place; it stays running on success
func (p *pass) restart(j *job) bool {
	ok := false
	if err := protect(func() { ok = j.node.RestartTest(p.rc.Context()) }); err != nil {
		p.log.Error("restart panicked", "job", j.node.Name(), "err", err)
		return false
	}
	if !ok {
		return false
	}
	now := p.s.clock.Now()
	var restarts int
	p.rc.WithLock(func() {
		j.info.Restarts++
		restarts = j.info.Restarts
		j.runningSince = now
		j.lastElapsedLog = now
	})
	p.log.Info("job restarted", "job", j.node.Name(), "restarts", restarts)
	p.emit(j, "restarted", fmt.Sprint(restarts))
	return true
}

// stop calls StopTest and records the result
func (p *pass) stop(j *job, now time.Time, result domain.ExecutionResult, detail string, wasCancelled bool) {
	if err := protect(func() { j.node.StopTest(wasCancelled) }); err != nil {
		p.log.Error("stop failed", "job", j.node.Name(), "err", err)
		if result == domain.ResultPassed {
			result, detail = domain.ResultFailed, "stop: "+err.Error()
		}
	}
	p.finish(j, now, result, detail, wasCancelled)
}

// finish moves j to completed
func (p *pass) finish(j *job, now time.Time, result domain.ExecutionResult, detail string, cancelled bool) {
	var info ExecutionInfo
	p.rc.WithLock(func() {
		j.state = stateCompleted
		j.info.EndTime = now
		j.info.Result = result
		j.info.Detail = detail
		j.info.Cancelled = cancelled
		info = j.info
	})

	attrs := []any{"job", info.Name, "result", result, "duration", info.Duration().Round(time.Millisecond)}
	if detail != "" {
		attrs = append(attrs, "detail", detail)
	}
	p.log.Info("job completed", attrs...)
	p.emit(j, stateCompleted.String(), string(result))
	if p.s.opts.OnJobComplete != nil {
		p.s.opts.OnJobComplete(info)
	}
}

func (p *pass) emit(j *job, state, detail string) {
	events.Emit(p.s.opts.OnEvent, events.Event{
		Type:   events.TypeJobState,
		Time:   p.s.clock.Now(),
		RunID:  p.s.runID,
		Job:    j.node.Name(),
		Pass:   p.number,
		State:  state,
		Detail: detail,
	})
}

// abort ends the pass after cancellation: pending jobs never start,
// starting workers get their context cancelled and are waited for up to the
// grace period, and running jobs get one last tick before being stopped.
func (p *pass) abort() {
	now := p.s.clock.Now()
	for _, j := range p.inState(statePending) {
		p.finish(j, now, domain.ResultNotStarted, "cancelled", true)
	}

	starting := p.inState(stateStarting)
	if len(starting) > 0 {
		p.log.Info("cancelling starting jobs", "count", len(starting), "grace", p.s.opts.CancelGracePeriod)
		for _, j := range starting {
			j.cancelStart()
		}
		timer := p.s.clock.NewTimer(p.s.opts.CancelGracePeriod)
		defer timer.Stop()
		expired := false
		for _, j := range starting {
			if !expired {
				select {
				case <-j.startDone:
					continue
				case <-timer.C():
					expired = true
				}
			}
			select {
			case <-j.startDone:
				continue
			default:
			}
			p.abandon(j)
		}
	}

	now = p.s.clock.Now()
	for _, j := range p.inState(stateRunning) {
		p.tick(j, now, true)
	}
}

// abandon gives up on a job whose worker did not return within the grace
// period. The worker tears the job down itself once StartTest returns.
func (p *pass) abandon(j *job) {
	now := p.s.clock.Now()
	abandoned := false
	p.rc.WithLock(func() {
		if j.state != stateStarting {
			return
		}
		j.abandoned = true
		abandoned = true
	})
	if abandoned {
		p.log.Warn("abandoning job stuck in start", "job", j.node.Name())
		p.finish(j, now, domain.ResultFailed, "start did not return after cancellation", true)
	}
}

// cleanup calls CleanupTest once for every job the pass still owns
func (p *pass) cleanup() {
	var owned []*job
	p.rc.WithLock(func() {
		for _, j := range p.jobs {
			if !j.abandoned {
				owned = append(owned, j)
			}
		}
	})
	for _, j := range owned {
		if err := protect(j.node.CleanupTest); err != nil {
			p.log.Error("cleanup failed", "job", j.node.Name(), "err", err)
		}
		if j.cancelStart != nil {
			j.cancelStart()
		}
	}
}

func (p *pass) summary() PassSummary {
	ps := PassSummary{Pass: p.number}
	p.rc.WithLock(func() {
		for _, j := range p.jobs {
			ps.add(j.info)
		}
	})
	return ps
}
