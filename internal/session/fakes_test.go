package session

import (
	"context"
	"errors"
	"sync"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/devicepool"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

var errInjected = errors.New("injected fault")

// fakeDevice is a device whose faults are set per test
type fakeDevice struct {
	name     string
	platform domain.Platform

	mu          sync.Mutex
	on          bool
	connected   bool
	failConnect bool
	failInstall bool
	failRun     bool
	reboots     int
	disconnects int
	installs    int
	artifacts   string
	stdout      string
}

func newFakeDevice(name string, p domain.Platform) *fakeDevice {
	return &fakeDevice{name: name, platform: p}
}

func (d *fakeDevice) Name() string              { return d.name }
func (d *fakeDevice) Platform() domain.Platform { return d.platform }
func (d *fakeDevice) IsAvailable() bool         { return true }

func (d *fakeDevice) IsOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) PowerOn(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = true
	return nil
}

func (d *fakeDevice) Reboot(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reboots++
	d.connected = false
	return nil
}

func (d *fakeDevice) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failConnect {
		return errInjected
	}
	d.connected = true
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	d.connected = false
	return nil
}

func (d *fakeDevice) InstallApplication(_ context.Context, cfg *device.AppConfig) (device.AppInstall, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failInstall {
		return nil, errInjected
	}
	d.installs++
	return &fakeInstall{device: d, cmd: cfg.CommandLine}, nil
}

type fakeInstall struct {
	device *fakeDevice
	cmd    string
}

func (i *fakeInstall) Device() device.Device { return i.device }

func (i *fakeInstall) Run(context.Context) (device.AppInstance, error) {
	i.device.mu.Lock()
	fail := i.device.failRun
	stdout := i.device.stdout
	artifacts := i.device.artifacts
	i.device.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return &fakeApp{device: i.device, cmd: i.cmd, stdout: stdout, artifacts: artifacts, exitCode: -1, done: make(chan struct{})}, nil
}

// fakeApp runs until Kill or Exit is called
type fakeApp struct {
	device    *fakeDevice
	cmd       string
	stdout    string
	artifacts string

	mu       sync.Mutex
	exitCode int
	killed   bool
	done     chan struct{}
}

func (a *fakeApp) Exit(code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
		return
	default:
	}
	a.exitCode = code
	close(a.done)
}

func (a *fakeApp) Device() device.Device { return a.device }
func (a *fakeApp) StdOut() string        { return a.stdout }
func (a *fakeApp) ArtifactPath() string  { return a.artifacts }
func (a *fakeApp) CommandLine() string   { return a.cmd }

func (a *fakeApp) HasExited() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *fakeApp) Kill() error {
	a.mu.Lock()
	a.killed = true
	a.mu.Unlock()
	a.Exit(-9)
	return nil
}

func (a *fakeApp) Killed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.killed
}

func (a *fakeApp) WaitForExit(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *fakeApp) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode
}

// countingPool counts releases that actually freed something
type countingPool struct {
	*devicepool.Pool
	mu       sync.Mutex
	releases int
}

func (p *countingPool) Release(devices []device.Device) {
	p.mu.Lock()
	if len(devices) > 0 {
		p.releases++
	}
	p.mu.Unlock()
	p.Pool.Release(devices)
}

func (p *countingPool) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

func newPool(devices ...*fakeDevice) *countingPool {
	p := &countingPool{Pool: devicepool.New()}
	for _, d := range devices {
		p.Add(d, domain.IdentityConstraint(d.platform))
	}
	return p
}
