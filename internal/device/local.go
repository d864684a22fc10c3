package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/otiai10/copy"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

// SavedDir is the per-install directory roles write their artifacts into
const SavedDir = "Saved"

// ErrNotConnected is returned when installing onto a disconnected device
var ErrNotConnected = errors.New("device not connected")

// OutputCallback is called with each chunk a role writes to stdout or stderr
type OutputCallback func(device string, data []byte)

// LocalConfig configures a host-process device
type LocalConfig struct {
	Name     string
	Platform domain.Platform
	// SandboxRoot holds one directory per install
	SandboxRoot string
	Logger      *slog.Logger
	OnOutput    OutputCallback
}

// LocalDevice runs role applications as `sh -c` processes on this host
type LocalDevice struct {
	config LocalConfig
	log    *slog.Logger

	mu        sync.Mutex
	on        bool
	connected bool
}

// NewLocalDevice creates a new host-process device
func NewLocalDevice(config LocalConfig) *LocalDevice {
	if config.SandboxRoot == "" {
		config.SandboxRoot = filepath.Join(os.TempDir(), "device-sandbox")
	}
	return &LocalDevice{
		config: config,
		log:    logging.Ensure(config.Logger).With("device", config.Name),
	}
}

func (d *LocalDevice) Name() string              { return d.config.Name }
func (d *LocalDevice) Platform() domain.Platform { return d.config.Platform }
func (d *LocalDevice) String() string            { return d.config.Name }

func (d *LocalDevice) IsOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

func (d *LocalDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// IsAvailable is always true; reservation state lives in the pool
func (d *LocalDevice) IsAvailable() bool { return true }

func (d *LocalDevice) PowerOn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = true
	return nil
}

func (d *LocalDevice) Reboot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = true
	d.connected = false
	d.log.Debug("rebooted")
	return nil
}

// Connect verifies the sandbox root is writable
func (d *LocalDevice) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.deviceDir(), 0755); err != nil {
		return fmt.Errorf("connecting %s: %w", d.config.Name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *LocalDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *LocalDevice) deviceDir() string {
	return filepath.Join(d.config.SandboxRoot, d.config.Name)
}

// InstallApplication creates a fresh sandbox for cfg and copies its files in
func (d *LocalDevice) InstallApplication(ctx context.Context, cfg *AppConfig) (AppInstall, error) {
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sandbox := cfg.Sandbox
	if sandbox == "" {
		sandbox = filepath.Join(d.deviceDir(), cfg.Name)
	}
	if err := os.RemoveAll(sandbox); err != nil {
		return nil, fmt.Errorf("clearing sandbox: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(sandbox, SavedDir), 0755); err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	for _, f := range cfg.FilesToCopy {
		dest := filepath.Join(sandbox, f.Dest)
		if err := copy.Copy(f.Source, dest); err != nil {
			return nil, fmt.Errorf("copying %s: %w", f.Source, err)
		}
	}

	d.log.Debug("installed application", "app", cfg.Name, "sandbox", sandbox)
	return &localInstall{device: d, config: *cfg, sandbox: sandbox}, nil
}

type localInstall struct {
	device  *LocalDevice
	config  AppConfig
	sandbox string
}

func (i *localInstall) Device() Device { return i.device }

// Run starts the command line in the sandbox
func (i *localInstall) Run(ctx context.Context) (AppInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saved := filepath.Join(i.sandbox, SavedDir)
	cmd := exec.Command("sh", "-c", i.config.CommandLine)
	cmd.Dir = i.sandbox
	cmd.Env = append(os.Environ(),
		"ROLE="+string(i.config.Role),
		"PLATFORM="+string(i.config.Platform),
		"CONFIGURATION="+string(i.config.Configuration),
		"SAVED_DIR="+saved,
	)
	for k, v := range i.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Return from Wait even if a grandchild keeps the pipes open after a kill
	cmd.WaitDelay = 2 * time.Second

	inst := &localInstance{
		device:   i.device,
		command:  i.config.CommandLine,
		saved:    saved,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	out := &outputWriter{inst: inst, name: i.device.Name(), callback: i.device.config.OnOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", i.config.CommandLine, err)
	}
	inst.cmd = cmd
	i.device.log.Debug("started application", "app", i.config.Name, "pid", cmd.Process.Pid)

	go inst.wait()
	return inst, nil
}

type localInstance struct {
	device  *LocalDevice
	command string
	saved   string
	cmd     *exec.Cmd

	mu       sync.Mutex
	stdout   bytes.Buffer
	exitCode int
	done     chan struct{}
}

func (i *localInstance) wait() {
	err := i.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	i.mu.Lock()
	i.exitCode = code
	i.mu.Unlock()
	close(i.done)
}

func (i *localInstance) Device() Device       { return i.device }
func (i *localInstance) ArtifactPath() string { return i.saved }
func (i *localInstance) CommandLine() string  { return i.command }

func (i *localInstance) HasExited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *localInstance) Kill() error {
	if i.HasExited() {
		return nil
	}
	if err := i.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing %s: %w", i.device.Name(), err)
	}
	return nil
}

func (i *localInstance) WaitForExit(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *localInstance) StdOut() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stdout.String()
}

func (i *localInstance) ExitCode() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode
}

type outputWriter struct {
	inst     *localInstance
	name     string
	callback OutputCallback
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.inst.mu.Lock()
	w.inst.stdout.Write(p)
	w.inst.mu.Unlock()
	if w.callback != nil {
		w.callback(w.name, p)
	}
	return len(p), nil
}
