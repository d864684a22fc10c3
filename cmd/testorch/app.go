package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/device-test-orchestrator/internal/config"
	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/devicepool"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
	"github.com/hochfrequenz/device-test-orchestrator/internal/lease"
	"github.com/hochfrequenz/device-test-orchestrator/internal/notify"
	"github.com/hochfrequenz/device-test-orchestrator/internal/observer"
	"github.com/hochfrequenz/device-test-orchestrator/internal/plan"
	"github.com/hochfrequenz/device-test-orchestrator/internal/resultstore"
	"github.com/hochfrequenz/device-test-orchestrator/internal/runctx"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/device-test-orchestrator/internal/session"
	"github.com/hochfrequenz/device-test-orchestrator/internal/sessiontest"
)

// app holds the long-lived pieces shared by the run, tui and daemon commands
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *events.Bus
	store    *resultstore.Store
	notifier notify.Notifier
	observer *observer.Observer

	// pool is the device pool of the run in progress, nil between runs
	pool atomic.Pointer[devicepool.Pool]
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	if cfg.Store.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	store, err := resultstore.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening result store: %w", err)
	}

	return &app{
		cfg:   cfg,
		log:   log,
		bus:   events.NewBus(500),
		store: store,
		notifier: notify.NewMultiNotifier(
			notify.NewDesktopNotifier(cfg.Notifications.Desktop),
			notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
		),
		observer: observer.New(cfg.Scheduler.Wait.Std(), nil),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// devicePool is a populated pool and the lease holding it, if any
type devicePool struct {
	*devicepool.Pool
	lease *lease.AutoRenew
}

func (p *devicePool) Close(ctx context.Context) {
	if p.lease != nil {
		p.lease.Close(ctx)
	}
}

// localDevices registers the configured [[device]] entries
func localDevices(cfg *config.Config, log *slog.Logger) (*devicepool.Pool, error) {
	pool := devicepool.New()
	for _, dc := range cfg.Devices {
		if dc.Name == "" || dc.Platform == "" {
			return nil, fmt.Errorf("device entries need a name and a platform")
		}
		d := device.NewLocalDevice(device.LocalConfig{
			Name:        dc.Name,
			Platform:    domain.Platform(dc.Platform),
			SandboxRoot: cfg.Session.SandboxDir,
			Logger:      log,
		})
		c := domain.DeviceConstraint{Platform: domain.Platform(dc.Platform), Pool: dc.Pool}
		if err := pool.Add(d, c); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// leasedDeviceFactory runs leased devices as host processes named after the
// leased device
func leasedDeviceFactory(cfg *config.Config, log *slog.Logger) devicepool.Factory {
	return func(desc lease.DeviceDescriptor) (device.Device, error) {
		if desc.Type == "" {
			return nil, errors.New("leased device has no type")
		}
		return device.NewLocalDevice(device.LocalConfig{
			Name:        desc.Name,
			Platform:    domain.Platform(desc.Type),
			SandboxRoot: cfg.Session.SandboxDir,
			Logger:      log,
		}), nil
	}
}

func leaseOptions(cfg config.LeaseConfig, log *slog.Logger, onFatal func(error)) lease.Options {
	return lease.Options{
		DeviceTypes:    cfg.DeviceTypes,
		Duration:       cfg.Duration.Std(),
		RenewInterval:  cfg.RenewInterval.Std(),
		MaxRetries:     cfg.MaxRetries,
		RetryWait:      cfg.RetryWait.Std(),
		RenewRetries:   cfg.RenewRetries,
		RenewRetryWait: cfg.RenewRetryWait.Std(),
		OnFatal:        onFatal,
		Logger:         log,
	}
}

func leaseClient(cfg config.LeaseConfig, log *slog.Logger) (*lease.Client, error) {
	if cfg.BaseURI == "" {
		return nil, errors.New("lease.base_uri is not configured")
	}
	return lease.NewClient(lease.ClientConfig{
		BaseURI:  cfg.BaseURI,
		Hostname: cfg.Hostname,
		Logger:   log,
	}), nil
}

// buildPool returns the local pool, or a leased one when useLease is set.
// Losing the lease cancels rc.
func (a *app) buildPool(ctx context.Context, useLease bool, rc *runctx.RunContext) (*devicePool, error) {
	if !useLease {
		pool, err := localDevices(a.cfg, a.log)
		if err != nil {
			return nil, err
		}
		return &devicePool{Pool: pool}, nil
	}

	client, err := leaseClient(a.cfg.Lease, a.log)
	if err != nil {
		return nil, err
	}
	pool := devicepool.New()
	factory := leasedDeviceFactory(a.cfg, a.log)
	opts := leaseOptions(a.cfg.Lease, a.log, func(err error) {
		a.bus.Publish(events.Event{Type: events.TypeLeaseLost, Detail: err.Error()})
		rc.Cancel(err)
	})
	opts.OnDevicesChanged = func(devices []lease.DeviceDescriptor) {
		a.syncLeasedDevices(pool, devices, factory)
	}
	holder, err := lease.Reserve(ctx, client, opts)
	if err != nil {
		return nil, err
	}

	n, err := pool.AddFromLease(holder, factory)
	if err != nil {
		a.log.Warn("some leased devices are unusable", "err", err)
	}
	if n == 0 {
		holder.Close(context.WithoutCancel(ctx))
		return nil, errors.New("no usable leased devices")
	}
	return &devicePool{Pool: pool, lease: holder}, nil
}

// syncLeasedDevices applies a renewed lease's device set to pool
func (a *app) syncLeasedDevices(pool *devicepool.Pool, devices []lease.DeviceDescriptor, factory devicepool.Factory) {
	res, err := pool.SyncLease(devices, factory)
	if err != nil {
		a.log.Warn("some leased devices are unusable", "err", err)
	}
	a.log.Info("leased devices changed", "added", res.Added, "removed", res.Removed)
	if len(res.InUse) > 0 {
		a.log.Warn("devices left the lease while reserved", "devices", res.InUse)
	}
}

// runOptions are per-invocation overrides of the [scheduler] section
type runOptions struct {
	Parallel    int
	Loops       int
	StopOnError bool
	NoTimeout   bool
	Lease       bool
}

func (o runOptions) apply(s *scheduler.Options) {
	if o.Parallel > 0 {
		s.Parallel = o.Parallel
	}
	if o.Loops > 0 {
		s.TestLoops = o.Loops
	}
	if o.StopOnError {
		s.StopOnError = true
	}
	if o.NoTimeout {
		s.NoTimeout = true
	}
}

// executePlan runs every job of p, stores the results and sends the run
// notification. Events go to the app's bus.
func (a *app) executePlan(ctx context.Context, p *plan.Plan, ro runOptions) (*scheduler.Summary, error) {
	jobs, err := p.SessionJobs()
	if err != nil {
		return nil, err
	}

	rc := runctx.New(ctx)
	defer rc.Cancel(nil)

	pool, err := a.buildPool(ctx, ro.Lease, rc)
	if err != nil {
		return nil, err
	}
	defer pool.Close(context.WithoutCancel(ctx))

	runID := uuid.NewString()
	publish := func(e events.Event) {
		if e.RunID == "" {
			e.RunID = runID
		}
		a.observer.Observe(e)
		a.bus.Publish(e)
	}

	pool.SetOnChanged(func(available int) {
		publish(events.Event{
			Type:   events.TypeDevicesAvailable,
			Time:   time.Now(),
			Detail: fmt.Sprintf("%d/%d", available, pool.Len()),
		})
	})
	a.pool.Store(pool.Pool)
	defer a.pool.Store(nil)

	nodes := make([]scheduler.TestNode, 0, len(jobs))
	byName := make(map[string]*sessiontest.Node, len(jobs))
	for _, job := range jobs {
		node, err := sessiontest.New(job, sessiontest.Options{
			Pool: pool,
			Session: session.Options{
				ReserveRetries:     a.cfg.Session.ReserveRetries,
				ReserveRetryWait:   a.cfg.Session.ReserveRetryWait.Std(),
				Reboot:             a.cfg.Session.Reboot,
				ShutdownFlushDelay: a.cfg.Session.ShutdownFlushDelay.Std(),
				Run:                rc,
				OnEvent:            publish,
			},
			ArtifactDir: filepath.Join(a.cfg.Session.ArtifactDir, runID),
			Logger:      a.log,
		})
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		byName[job.Name] = node
	}

	sopts := scheduler.OptionsFromConfig(a.cfg.Scheduler)
	ro.apply(&sopts)
	sopts.RunID = runID
	sopts.Run = rc
	sopts.Logger = a.log
	sopts.OnEvent = publish
	sopts.OnJobComplete = func(info scheduler.ExecutionInfo) {
		node := byName[info.Name]
		if node != nil && info.Detail == "" {
			info.Detail = node.Reason()
		}
		a.observer.RecordExecution(info)
		if err := a.store.RecordExecution(runID, info); err != nil {
			a.log.Error("storing execution failed", "job", info.Name, "err", err)
		}
		if node != nil {
			a.recordProblems(runID, info.Name, node.Orchestrator().QuarantinedDevices())
		}
	}
	sched := scheduler.New(sopts)

	if err := a.store.CreateRun(runID, p.Name, time.Now()); err != nil {
		return nil, err
	}

	summary, err := sched.Run(ctx, nodes)
	if err != nil {
		if ferr := a.store.FinishRun(&scheduler.Summary{RunID: runID, EndedAt: time.Now(), Cancelled: true}); ferr != nil {
			a.log.Error("storing run result failed", "err", ferr)
		}
		return nil, err
	}
	if err := a.store.FinishRun(summary); err != nil {
		a.log.Error("storing run result failed", "err", err)
	}
	if err := a.notifier.Send(notify.RunFinished(p.Name, summary)); err != nil {
		a.log.Warn("sending notification failed", "err", err)
	}
	return summary, nil
}

// recordProblems stores quarantined devices; the store ignores repeats
func (a *app) recordProblems(runID, job string, problems []domain.ProblemDevice) {
	for _, pd := range problems {
		if err := a.store.RecordProblemDevice(runID, job, pd); err != nil {
			a.log.Error("storing problem device failed", "device", pd.Name, "err", err)
		}
	}
}
