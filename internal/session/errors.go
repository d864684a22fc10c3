package session

import (
	"errors"
	"fmt"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
)

var (
	// ErrDeviceAcquisition is returned when device reservation retries are exhausted
	ErrDeviceAcquisition = errors.New("could not acquire devices")
	// ErrCancelled is returned when the run is cancelled during launch
	ErrCancelled = errors.New("session launch cancelled")
	// ErrNoRoles is returned when an orchestrator is created without roles
	ErrNoRoles = errors.New("session has no roles")
	// ErrAlreadyRunning is returned when launching over a live session
	ErrAlreadyRunning = errors.New("session already running")
)

// DeviceFault is a connect, install or launch failure attributable to one
// device. The device is quarantined and the operation retried elsewhere.
type DeviceFault struct {
	Device device.Device
	Op     string
	Err    error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Device.Name(), e.Err)
}

func (e *DeviceFault) Unwrap() error { return e.Err }
