package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

// RunningRole pairs a role with its running application
type RunningRole struct {
	Role domain.SessionRole
	App  device.AppInstance
}

// Instance is a fully launched session: one live application per role
type Instance struct {
	ID        string
	StartedAt time.Time

	roles      []RunningRole
	flushDelay time.Duration
	log        *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

func newInstance(roles []RunningRole, flushDelay time.Duration, log *slog.Logger) *Instance {
	return &Instance{
		ID:         uuid.NewString(),
		StartedAt:  time.Now(),
		roles:      roles,
		flushDelay: flushDelay,
		log:        log,
	}
}

// RunningRoles returns every role of the session, in launch order
func (i *Instance) RunningRoles() []RunningRole {
	return slices.Clone(i.roles)
}

// ClientApps returns the applications of client roles
func (i *Instance) ClientApps() []device.AppInstance {
	var apps []device.AppInstance
	for _, r := range i.roles {
		if r.Role.Type.IsClient() {
			apps = append(apps, r.App)
		}
	}
	return apps
}

// ServerApp returns the first server application, or nil
func (i *Instance) ServerApp() device.AppInstance {
	for _, r := range i.roles {
		if r.Role.Type.IsServer() {
			return r.App
		}
	}
	return nil
}

// EditorApp returns the editor application, or nil
func (i *Instance) EditorApp() device.AppInstance {
	for _, r := range i.roles {
		if r.Role.Type.IsEditor() {
			return r.App
		}
	}
	return nil
}

// ClientsRunning reports whether any client is still running
func (i *Instance) ClientsRunning() bool {
	for _, app := range i.ClientApps() {
		if !app.HasExited() {
			return true
		}
	}
	return false
}

// ServerRunning reports whether the server is still running
func (i *Instance) ServerRunning() bool {
	s := i.ServerApp()
	return s != nil && !s.HasExited()
}

// IsRunningRoles reports whether any role is still running
func (i *Instance) IsRunningRoles() bool {
	for _, r := range i.roles {
		if !r.App.HasExited() {
			return true
		}
	}
	return false
}

// Shutdown kills clients, then servers, then the remaining roles, waits
// for every process to exit and pauses for log flushing. Later calls return
// the first call's result.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.shutdownOnce.Do(func() {
		i.shutdownErr = i.shutdown(ctx)
	})
	return i.shutdownErr
}

func (i *Instance) shutdown(ctx context.Context) error {
	var result *multierror.Error

	order := []func(domain.RoleType) bool{
		domain.RoleType.IsClient,
		domain.RoleType.IsServer,
		func(domain.RoleType) bool { return true },
	}
	killed := make(map[int]bool, len(i.roles))
	for _, match := range order {
		for idx, r := range i.roles {
			if killed[idx] || !match(r.Role.Type) {
				continue
			}
			killed[idx] = true
			if r.App.HasExited() {
				continue
			}
			if err := r.App.Kill(); err != nil {
				result = multierror.Append(result, fmt.Errorf("killing %s: %w", r.Role.Name(), err))
			}
		}
	}

	var g errgroup.Group
	for _, r := range i.roles {
		g.Go(func() error {
			if err := r.App.WaitForExit(ctx); err != nil {
				return fmt.Errorf("waiting for %s on %s: %w", r.Role.Name(), r.App.Device().Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	if i.flushDelay > 0 {
		select {
		case <-time.After(i.flushDelay):
		case <-ctx.Done():
		}
	}
	i.log.Debug("session instance shut down", "instance", i.ID)
	return result.ErrorOrNil()
}
