// Package device defines the capabilities the orchestrator needs from a
// test device, plus two implementations: a synthetic null device for roles
// that need no hardware, and a host-process device that runs roles as local
// shell commands.
package device

import (
	"context"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

// Device is a borrowed handle to a device owned by a pool
type Device interface {
	Name() string
	Platform() domain.Platform
	IsOn() bool
	IsConnected() bool
	IsAvailable() bool
	PowerOn(ctx context.Context) error
	Reboot(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect() error
	InstallApplication(ctx context.Context, cfg *AppConfig) (AppInstall, error)
}

// AppInstall is an application installed on a device, ready to run
type AppInstall interface {
	Device() Device
	Run(ctx context.Context) (AppInstance, error)
}

// AppInstance is one running (or exited) application process
type AppInstance interface {
	Device() Device
	HasExited() bool
	Kill() error
	// WaitForExit blocks until the process exits or ctx is done
	WaitForExit(ctx context.Context) error
	StdOut() string
	// ExitCode is -1 until the process has exited
	ExitCode() int
	// ArtifactPath is the device-side directory the role saves into
	ArtifactPath() string
	CommandLine() string
}

// AppConfig is the role-specific application configuration passed to install
type AppConfig struct {
	Name          string
	Role          domain.RoleType
	Platform      domain.Platform
	Configuration domain.Configuration
	CommandLine   string
	Sandbox       string
	FilesToCopy   []domain.FileToCopy
	BuildFlags    domain.BuildFlags
	Env           map[string]string
}

// ConfigForRole builds the AppConfig for a role
func ConfigForRole(role domain.SessionRole, sandbox string) *AppConfig {
	return &AppConfig{
		Name:          role.Name(),
		Role:          role.Type,
		Platform:      role.Platform,
		Configuration: role.Configuration,
		CommandLine:   role.CommandLine,
		Sandbox:       sandbox,
		FilesToCopy:   role.FilesToCopy,
		BuildFlags:    role.RequiredFlags,
	}
}
