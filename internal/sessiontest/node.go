// Package sessiontest provides the TestNode that runs one job of a plan as
// a multi-role session on pooled devices.
package sessiontest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/device-test-orchestrator/internal/session"
)

// Job describes one test job
type Job struct {
	Name        string
	Priority    scheduler.Priority
	MaxDuration time.Duration
	// Retries is how often a failed attempt is restarted in place
	Retries int
	Roles   []domain.SessionRole
}

// Options configures a Node
type Options struct {
	Pool session.DevicePool
	// Session is the template for the node's orchestrator; Name and
	// Logger are filled in per job
	Session session.Options
	// ArtifactDir receives <job>/pass<N> folders; empty disables saving
	ArtifactDir string
	Logger      *slog.Logger
}

// Node runs a Job as a session
type Node struct {
	job  Job
	pool session.DevicePool
	orch *session.Orchestrator
	dir  string
	log  *slog.Logger

	mu        sync.Mutex
	pass      int
	attempt   int
	instance  *session.Instance
	status    domain.TestStatus
	result    domain.TestResult
	reason    string
	artifacts []*session.RoleArtifacts
}

var _ scheduler.TestNode = (*Node)(nil)

// New creates a node for job
func New(job Job, opts Options) (*Node, error) {
	if job.Name == "" {
		return nil, fmt.Errorf("job has no name")
	}
	log := logging.Ensure(opts.Logger).With("job", job.Name)

	sopts := opts.Session
	sopts.Name = job.Name
	sopts.Logger = log
	orch, err := session.New(opts.Pool, job.Roles, sopts)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}

	return &Node{
		job:    job,
		pool:   opts.Pool,
		orch:   orch,
		dir:    opts.ArtifactDir,
		log:    log,
		status: domain.TestInProgress,
	}, nil
}

func (n *Node) Name() string                 { return n.job.Name }
func (n *Node) Priority() scheduler.Priority { return n.job.Priority }
func (n *Node) MaxDuration() time.Duration   { return n.job.MaxDuration }

// Orchestrator exposes the job's session orchestrator
func (n *Node) Orchestrator() *session.Orchestrator {
	return n.orch
}

// IsReadyToStart asks the pool whether the job's devices could be
// reserved now, ignoring devices quarantined during this run
func (n *Node) IsReadyToStart() bool {
	req := session.Requirements(n.job.Roles)
	if len(req) == 0 {
		return true
	}
	return n.pool.CheckAvailable(req, n.orch.ProblemDevices())
}

// StartTest launches the session
func (n *Node) StartTest(ctx context.Context, pass, totalPasses int) bool {
	n.mu.Lock()
	n.pass = pass
	n.attempt = 0
	n.status = domain.TestInProgress
	n.result = ""
	n.reason = ""
	n.artifacts = nil
	n.mu.Unlock()

	n.log.Info("launching session", "pass", pass, "of", totalPasses, "roles", len(n.job.Roles))
	inst, err := n.orch.LaunchSession(ctx)
	if err != nil {
		n.log.Error("session launch failed", "err", err)
		return false
	}

	n.mu.Lock()
	n.instance = inst
	n.mu.Unlock()
	return true
}

// TickTest checks the role processes. The job passes once every tested
// role has exited cleanly, or every tested client has and only servers
// remain. Any tested role exiting with a failure code, or reporting one
// through its exit marker, fails it. Dummy and null roles are not tested.
func (n *Node) TickTest() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.instance == nil || n.status == domain.TestComplete {
		return
	}

	var clients, clientsDone, servers, serversDone, others, othersDone int
	for _, r := range n.instance.RunningRoles() {
		if r.Role.IsDummy() || r.Role.IsNull() {
			continue
		}
		exited := r.App.HasExited()
		if exited {
			if code, ok := exitCode(r); !ok {
				n.completeLocked(fmt.Sprintf("%s on %s exited with code %d", r.Role.Name(), r.App.Device().Name(), code))
				return
			}
		}
		switch {
		case r.Role.Type.IsClient():
			clients++
			if exited {
				clientsDone++
			}
		case r.Role.Type.IsServer():
			servers++
			if exited {
				serversDone++
			}
		default:
			others++
			if exited {
				othersDone++
			}
		}
	}

	switch {
	case clients > 0 && serversDone > 0 && clientsDone < clients:
		n.completeLocked("server exited while clients were running")
	case clients > 0 && clientsDone == clients && othersDone == others:
		n.completeLocked("")
	case clientsDone+serversDone+othersDone == clients+servers+others:
		n.completeLocked("")
	}
}

// exitCode returns the role's effective exit code and whether it counts
// as a success. A zero process exit with a failing exit marker fails.
func exitCode(r session.RunningRole) (int, bool) {
	code := r.App.ExitCode()
	if code != 0 {
		return code, false
	}
	summary, err := session.ParseLogSummary(strings.NewReader(r.App.StdOut()))
	if err == nil && summary.HasExitCode && summary.ExitCode != 0 {
		return summary.ExitCode, false
	}
	return 0, true
}

// completeLocked records the outcome; an empty reason is a pass
func (n *Node) completeLocked(reason string) {
	n.status = domain.TestComplete
	n.reason = reason
	switch {
	case reason == "":
		n.result = domain.TestPassed
		n.log.Info("session completed", "pass", n.pass)
	case n.attempt < n.job.Retries:
		n.result = domain.TestWantRetry
		n.log.Warn("session failed, will retry", "pass", n.pass, "attempt", n.attempt+1, "reason", reason)
	default:
		n.result = domain.TestFailed
		n.log.Warn("session failed", "pass", n.pass, "reason", reason)
	}
}

func (n *Node) GetTestStatus() domain.TestStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) GetTestResult() domain.TestResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.result
}

// Reason explains the last failure, or is empty
func (n *Node) Reason() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason
}

// StopTest saves artifacts and shuts the session down
func (n *Node) StopTest(wasCancelled bool) {
	n.mu.Lock()
	if wasCancelled && n.status != domain.TestComplete {
		n.status = domain.TestComplete
		n.result = domain.TestFailed
		n.reason = "cancelled"
	}
	n.mu.Unlock()

	n.stopInstance()
	n.saveArtifacts()
	n.orch.ShutdownSession()

	n.mu.Lock()
	n.instance = nil
	n.mu.Unlock()
}

// stopInstance kills the role processes so their logs are complete before
// artifacts are collected
func (n *Node) stopInstance() {
	n.mu.Lock()
	inst := n.instance
	n.mu.Unlock()
	if inst == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := inst.Shutdown(ctx); err != nil {
		n.log.Warn("stopping session instance incomplete", "err", err)
	}
}

// RestartTest saves the failed attempt's artifacts and relaunches the
// session, possibly on other devices
func (n *Node) RestartTest(ctx context.Context) bool {
	n.stopInstance()
	n.saveArtifacts()

	n.mu.Lock()
	n.attempt++
	attempt := n.attempt
	n.mu.Unlock()

	n.log.Info("restarting session", "attempt", attempt+1)
	inst, err := n.orch.RestartSession(ctx)
	if err != nil {
		n.log.Error("session restart failed", "err", err)
		return false
	}

	n.mu.Lock()
	n.instance = inst
	n.status = domain.TestInProgress
	n.result = ""
	n.reason = ""
	n.mu.Unlock()
	return true
}

// CleanupTest releases everything the job still holds
func (n *Node) CleanupTest() {
	n.orch.Close()
}

// ArtifactPath is where artifacts of the current attempt are saved
func (n *Node) ArtifactPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.artifactPathLocked()
}

func (n *Node) artifactPathLocked() string {
	if n.dir == "" {
		return ""
	}
	folder := fmt.Sprintf("pass%d", n.pass)
	if n.attempt > 0 {
		folder = fmt.Sprintf("%s_retry%d", folder, n.attempt)
	}
	return filepath.Join(n.dir, n.job.Name, folder)
}

// Artifacts returns what was saved for every attempt of the current pass
func (n *Node) Artifacts() []*session.RoleArtifacts {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*session.RoleArtifacts(nil), n.artifacts...)
}

func (n *Node) saveArtifacts() {
	n.mu.Lock()
	inst := n.instance
	out := n.artifactPathLocked()
	n.mu.Unlock()
	if inst == nil || out == "" {
		return
	}

	saved, err := n.orch.SaveAllArtifacts(inst, out)
	if err != nil {
		n.log.Warn("saving artifacts incomplete", "path", out, "err", err)
	}
	n.mu.Lock()
	n.artifacts = append(n.artifacts, saved...)
	n.mu.Unlock()
}
