// Package session binds the roles of a multi-device test to reserved
// devices, installs and launches one application per role, and tears the
// session down again. Partial launches never survive: on any device fault
// everything launched so far is killed, the device is quarantined, the
// reservation released and the whole cycle retried.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
	"github.com/hochfrequenz/device-test-orchestrator/internal/runctx"
)

// DevicePool is the reservation bookkeeping the orchestrator relies on.
// The pool is the only mutator of reservation state.
type DevicePool interface {
	CheckAvailable(requirements map[domain.DeviceConstraint]int, excluded []domain.ProblemDevice) bool
	Enumerate(c domain.DeviceConstraint, visit func(device.Device) bool)
	Reserve(devices []device.Device) error
	Release(devices []device.Device)
	GetConstraint(d device.Device) domain.DeviceConstraint
}

// BuildSource reports whether the build under test can serve a role
type BuildSource interface {
	CanSupportRole(role domain.SessionRole) bool
}

// Options configures an Orchestrator
type Options struct {
	// Name identifies the session in logs and events, usually the job name
	Name               string
	ReserveRetries     int
	ReserveRetryWait   time.Duration
	Reboot             bool
	ShutdownFlushDelay time.Duration
	BuildSource        BuildSource
	Run                *runctx.RunContext
	OnEvent            events.Handler
	Logger             *slog.Logger
}

// Orchestrator owns the devices and the running instance of one session
type Orchestrator struct {
	pool  DevicePool
	roles []domain.SessionRole
	opts  Options
	log   *slog.Logger

	mu       sync.Mutex
	reserved []device.Device
	problems []domain.ProblemDevice
	instance *Instance
}

// New creates an orchestrator for roles. Roles are validated against the
// build source when one is configured.
func New(pool DevicePool, roles []domain.SessionRole, opts Options) (*Orchestrator, error) {
	if len(roles) == 0 {
		return nil, ErrNoRoles
	}
	if opts.BuildSource != nil {
		for _, r := range roles {
			if !opts.BuildSource.CanSupportRole(r) {
				return nil, fmt.Errorf("build cannot support role %s", r)
			}
		}
	}
	if opts.ReserveRetries < 0 {
		opts.ReserveRetries = 0
	}
	log := logging.Ensure(opts.Logger)
	if opts.Name != "" {
		log = log.With("session", opts.Name)
	}
	return &Orchestrator{
		pool:  pool,
		roles: slices.Clone(roles),
		opts:  opts,
		log:   log,
	}, nil
}

// Roles returns the session's roles
func (o *Orchestrator) Roles() []domain.SessionRole {
	return slices.Clone(o.roles)
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || (o.opts.Run != nil && o.opts.Run.Cancelled())
}

// Requirements counts the devices needed per constraint by non-null roles
func Requirements(roles []domain.SessionRole) map[domain.DeviceConstraint]int {
	req := make(map[domain.DeviceConstraint]int)
	for _, r := range roles {
		if r.IsNull() {
			continue
		}
		req[r.Constraint]++
	}
	return req
}

// ReserveDevices releases any previous reservation and tries to reserve,
// power on and connect one device per non-null role. It either holds every
// needed device or none.
func (o *Orchestrator) ReserveDevices(ctx context.Context) bool {
	o.releaseDevices()

	req := Requirements(o.roles)
	if len(req) == 0 {
		return true
	}

	excluded := o.ProblemDevices()
	if !o.pool.CheckAvailable(req, excluded) {
		o.log.Info("not enough devices available", "required", formatRequirements(req), "problem_devices", len(excluded))
		return false
	}

	skip := make(map[string]bool, len(excluded))
	for _, pd := range excluded {
		skip[pd.Name] = true
	}

	// Pool-specific constraints first so they are not starved by identity ones
	constraints := make([]domain.DeviceConstraint, 0, len(req))
	for c := range req {
		constraints = append(constraints, c)
	}
	slices.SortFunc(constraints, func(a, b domain.DeviceConstraint) int {
		if a.IsIdentity() != b.IsIdentity() {
			if a.IsIdentity() {
				return 1
			}
			return -1
		}
		if a.String() < b.String() {
			return -1
		}
		if a.String() > b.String() {
			return 1
		}
		return 0
	})

	var selected []device.Device
	have := make(map[string]bool)
	for _, c := range constraints {
		need := req[c]
		o.pool.Enumerate(c, func(d device.Device) bool {
			if need == 0 {
				return false
			}
			if !d.IsAvailable() || have[d.Name()] || skip[d.Name()] {
				return true
			}
			selected = append(selected, d)
			have[d.Name()] = true
			need--
			return need > 0
		})
		if need > 0 {
			o.log.Info("unable to find enough devices", "constraint", c.String(), "missing", need)
			return false
		}
	}

	if err := o.pool.Reserve(selected); err != nil {
		o.log.Info("reserving devices failed", "err", err)
		return false
	}

	var lost []device.Device
	for _, d := range selected {
		if err := o.prepareDevice(ctx, d); err != nil {
			o.log.Warn("device failed to prepare", "device", d.Name(), "err", err)
			o.markProblem(d)
			lost = append(lost, d)
		}
		if o.cancelled(ctx) {
			o.abandonBatch(selected)
			return false
		}
	}
	if len(lost) > 0 {
		o.abandonBatch(selected)
		return false
	}

	o.mu.Lock()
	o.reserved = selected
	o.mu.Unlock()

	names := make([]string, len(selected))
	for i, d := range selected {
		names[i] = d.Name()
	}
	o.log.Info("reserved devices", "devices", names)
	return true
}

// abandonBatch disconnects a partly prepared batch and hands it back
func (o *Orchestrator) abandonBatch(devices []device.Device) {
	for _, d := range devices {
		if !d.IsConnected() {
			continue
		}
		if err := d.Disconnect(); err != nil {
			o.log.Warn("disconnecting device failed", "device", d.Name(), "err", err)
		}
	}
	o.pool.Release(devices)
}

func (o *Orchestrator) prepareDevice(ctx context.Context, d device.Device) error {
	if !d.IsOn() {
		if err := d.PowerOn(ctx); err != nil {
			return &DeviceFault{Device: d, Op: "power on", Err: err}
		}
	} else if o.opts.Reboot {
		if err := d.Reboot(ctx); err != nil {
			return &DeviceFault{Device: d, Op: "reboot", Err: err}
		}
	}
	if !d.IsConnected() {
		if err := d.Connect(ctx); err != nil {
			return &DeviceFault{Device: d, Op: "connect", Err: err}
		}
	}
	return nil
}

func formatRequirements(req map[domain.DeviceConstraint]int) string {
	parts := make([]string, 0, len(req))
	for c, n := range req {
		parts = append(parts, fmt.Sprintf("%dx%s", n, c))
	}
	slices.Sort(parts)
	return fmt.Sprint(parts)
}

// sortRoles orders pool-constrained roles before identity-constrained ones
func sortRoles(roles []domain.SessionRole) []domain.SessionRole {
	sorted := slices.Clone(roles)
	slices.SortStableFunc(sorted, func(a, b domain.SessionRole) int {
		switch {
		case !a.Constraint.IsIdentity() && b.Constraint.IsIdentity():
			return -1
		case a.Constraint.IsIdentity() && !b.Constraint.IsIdentity():
			return 1
		}
		return 0
	})
	return sorted
}

var errNotReserved = errors.New("devices not reserved")

// LaunchSession reserves devices, installs and runs every role, and
// returns the running instance. Device faults quarantine the device and
// restart the whole cycle. Only cancellation or exhausted reservation
// retries end the loop without an instance.
func (o *Orchestrator) LaunchSession(ctx context.Context) (*Instance, error) {
	o.mu.Lock()
	running := o.instance != nil
	o.mu.Unlock()
	if running {
		return nil, ErrAlreadyRunning
	}

	roles := sortRoles(o.roles)
	for attempt := 1; ; attempt++ {
		if o.cancelled(ctx) {
			o.releaseDevices()
			return nil, ErrCancelled
		}

		if err := o.reserveWithRetry(ctx); err != nil {
			o.releaseDevices()
			if o.cancelled(ctx) {
				return nil, ErrCancelled
			}
			return nil, fmt.Errorf("%w: %d attempts: %v", ErrDeviceAcquisition, o.opts.ReserveRetries+1, err)
		}

		inst, err := o.installAndRun(ctx, roles)
		if err == nil {
			o.mu.Lock()
			o.instance = inst
			o.mu.Unlock()
			o.log.Info("session launched", "roles", len(roles), "attempt", attempt)
			events.Emit(o.opts.OnEvent, events.Event{Type: events.TypeSessionLaunched, Job: o.opts.Name, Detail: inst.ID})
			return inst, nil
		}

		o.releaseDevices()
		if o.cancelled(ctx) {
			return nil, ErrCancelled
		}

		var fault *DeviceFault
		if !errors.As(err, &fault) {
			return nil, err
		}
		o.log.Warn("device fault, retrying with other devices", "device", fault.Device.Name(), "op", fault.Op, "attempt", attempt, "err", fault.Err)
		o.markProblem(fault.Device)
	}
}

func (o *Orchestrator) reserveWithRetry(ctx context.Context) error {
	wait := o.opts.ReserveRetryWait
	if wait <= 0 {
		wait = time.Millisecond
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(o.opts.ReserveRetries)), ctx)
	return backoff.RetryNotify(func() error {
		if o.cancelled(ctx) {
			return backoff.Permanent(ErrCancelled)
		}
		if o.ReserveDevices(ctx) {
			return nil
		}
		return errNotReserved
	}, b, func(_ error, next time.Duration) {
		o.log.Info("device reservation failed, waiting", "wait", next)
	})
}

// installAndRun binds every role to a reserved device, installs all of
// them, then runs all of them. Any failure kills what is already running.
func (o *Orchestrator) installAndRun(ctx context.Context, roles []domain.SessionRole) (*Instance, error) {
	free := o.ReservedDevices()

	type installed struct {
		role domain.SessionRole
		app  device.AppInstall
	}
	installs := make([]installed, 0, len(roles))

	for _, role := range roles {
		if o.cancelled(ctx) {
			return nil, ErrCancelled
		}

		var d device.Device
		if role.IsNull() {
			d = device.NewNullDevice(role)
		} else {
			i := slices.IndexFunc(free, func(cand device.Device) bool {
				return cand.Platform() == role.Platform && role.Constraint.Admits(o.pool.GetConstraint(cand))
			})
			if i < 0 {
				return nil, fmt.Errorf("no reserved device for role %s", role)
			}
			d = free[i]
			free = slices.Delete(free, i, i+1)
		}

		app, err := d.InstallApplication(ctx, device.ConfigForRole(role, ""))
		if err != nil {
			return nil, &DeviceFault{Device: d, Op: "install", Err: err}
		}
		o.log.Debug("installed role", "role", role.String(), "device", d.Name())
		installs = append(installs, installed{role: role, app: app})
	}

	running := make([]RunningRole, 0, len(installs))
	abort := func() {
		for _, r := range running {
			if err := r.App.Kill(); err != nil {
				o.log.Warn("killing role failed", "role", r.Role.String(), "err", err)
			}
			r.App.Device().Disconnect()
		}
	}

	for _, in := range installs {
		if o.cancelled(ctx) {
			abort()
			return nil, ErrCancelled
		}
		app, err := in.app.Run(ctx)
		if err != nil {
			abort()
			return nil, &DeviceFault{Device: in.app.Device(), Op: "launch", Err: err}
		}
		running = append(running, RunningRole{Role: in.role, App: app})
	}

	return newInstance(running, o.opts.ShutdownFlushDelay, o.log), nil
}

// RestartSession shuts the current instance down and launches a new one.
// The new instance may run on different devices.
func (o *Orchestrator) RestartSession(ctx context.Context) (*Instance, error) {
	o.ShutdownSession()
	return o.LaunchSession(ctx)
}

// ShutdownSession stops the running instance and releases all devices.
// Calling it again is a no-op.
func (o *Orchestrator) ShutdownSession() {
	o.mu.Lock()
	inst := o.instance
	o.instance = nil
	o.mu.Unlock()

	if inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := inst.Shutdown(ctx); err != nil {
			o.log.Warn("session shutdown incomplete", "err", err)
		}
		cancel()
		events.Emit(o.opts.OnEvent, events.Event{Type: events.TypeSessionStopped, Job: o.opts.Name, Detail: inst.ID})
	}
	o.releaseDevices()
}

// Close shuts the session down
func (o *Orchestrator) Close() error {
	o.ShutdownSession()
	return nil
}

// Instance returns the running instance, or nil
func (o *Orchestrator) Instance() *Instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.instance
}

func (o *Orchestrator) releaseDevices() {
	o.mu.Lock()
	devices := o.reserved
	o.reserved = nil
	o.mu.Unlock()

	if len(devices) > 0 {
		o.pool.Release(devices)
	}
}

// ReservedDevices returns the currently held devices
func (o *Orchestrator) ReservedDevices() []device.Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.reserved)
}

// ProblemDevices returns the devices excluded from reservation: those
// quarantined by any session of the run, or only by this one when the
// orchestrator has no run context
func (o *Orchestrator) ProblemDevices() []domain.ProblemDevice {
	o.mu.Lock()
	out := slices.Clone(o.problems)
	o.mu.Unlock()
	if o.opts.Run == nil {
		return out
	}
	for _, pd := range o.opts.Run.ProblemDevices() {
		if !slices.Contains(out, pd) {
			out = append(out, pd)
		}
	}
	return out
}

// QuarantinedDevices returns the devices this session quarantined itself
func (o *Orchestrator) QuarantinedDevices() []domain.ProblemDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.problems)
}

// ClearProblemDevices makes quarantined devices eligible again, for every
// session of the run
func (o *Orchestrator) ClearProblemDevices() {
	o.mu.Lock()
	o.problems = nil
	o.mu.Unlock()
	if o.opts.Run != nil {
		o.opts.Run.ClearProblemDevices()
	}
}

func (o *Orchestrator) markProblem(d device.Device) {
	pd := domain.ProblemDevice{Name: d.Name(), Platform: d.Platform()}
	o.mu.Lock()
	if slices.Contains(o.problems, pd) {
		o.mu.Unlock()
		return
	}
	o.problems = append(o.problems, pd)
	o.mu.Unlock()
	if o.opts.Run != nil {
		o.opts.Run.MarkProblem(pd)
	}

	o.log.Warn("device quarantined", "device", pd.Name, "platform", pd.Platform)
	events.Emit(o.opts.OnEvent, events.Event{Type: events.TypeProblemDevice, Job: o.opts.Name, Detail: pd.String()})
}
