package device

import (
	"context"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

// NullDevice stands in for roles with the null modifier. It is always on,
// connected and available, and its applications exit immediately with 0.
type NullDevice struct {
	name     string
	platform domain.Platform
}

// NewNullDevice creates a null device named "Null<role>"
func NewNullDevice(role domain.SessionRole) *NullDevice {
	return &NullDevice{name: "Null" + role.Name(), platform: role.Platform}
}

func (d *NullDevice) Name() string                  { return d.name }
func (d *NullDevice) Platform() domain.Platform     { return d.platform }
func (d *NullDevice) IsOn() bool                    { return true }
func (d *NullDevice) IsConnected() bool             { return true }
func (d *NullDevice) IsAvailable() bool             { return true }
func (d *NullDevice) PowerOn(context.Context) error { return nil }
func (d *NullDevice) Reboot(context.Context) error  { return nil }
func (d *NullDevice) Connect(context.Context) error { return nil }
func (d *NullDevice) Disconnect() error             { return nil }
func (d *NullDevice) String() string                { return d.name }

func (d *NullDevice) InstallApplication(_ context.Context, cfg *AppConfig) (AppInstall, error) {
	return &nullInstall{device: d, commandLine: cfg.CommandLine}, nil
}

type nullInstall struct {
	device      *NullDevice
	commandLine string
}

func (i *nullInstall) Device() Device { return i.device }

func (i *nullInstall) Run(ctx context.Context) (AppInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &nullInstance{device: i.device, commandLine: i.commandLine}, nil
}

type nullInstance struct {
	device      *NullDevice
	commandLine string
}

func (i *nullInstance) Device() Device                    { return i.device }
func (i *nullInstance) HasExited() bool                   { return true }
func (i *nullInstance) Kill() error                       { return nil }
func (i *nullInstance) WaitForExit(context.Context) error { return nil }
func (i *nullInstance) StdOut() string                    { return "" }
func (i *nullInstance) ExitCode() int                     { return 0 }
func (i *nullInstance) ArtifactPath() string              { return "" }
func (i *nullInstance) CommandLine() string               { return i.commandLine }
