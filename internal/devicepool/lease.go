package devicepool

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/lease"
)

// LeasedDevices is the part of a lease holder the pool reads
type LeasedDevices interface {
	Devices() []lease.DeviceDescriptor
}

// Factory turns a leased device descriptor into a usable device
type Factory func(desc lease.DeviceDescriptor) (device.Device, error)

// ConstraintFor derives the pool constraint of a leased device. The perf
// spec, when set, is the pool subset tag.
func ConstraintFor(desc lease.DeviceDescriptor) domain.DeviceConstraint {
	return domain.DeviceConstraint{Platform: domain.Platform(desc.Type), Pool: desc.PerfSpec}
}

// AddFromLease registers one device per enabled leased descriptor and
// returns how many were added. Descriptors that fail are skipped and
// reported together.
func (p *Pool) AddFromLease(holder LeasedDevices, factory Factory) (int, error) {
	var result *multierror.Error
	added := 0
	for _, desc := range holder.Devices() {
		if !desc.Enabled {
			continue
		}
		d, err := factory(desc)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("device %s: %w", desc.Name, err))
			continue
		}
		if err := p.Add(d, ConstraintFor(desc)); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		added++
	}
	return added, result.ErrorOrNil()
}

// LeaseSync describes how SyncLease changed the pool
type LeaseSync struct {
	Added   []string
	Removed []string
	// InUse lists removed devices that were reserved at the time. Their
	// holders keep the device until they release it.
	InUse []string
}

// SyncLease makes the pool match a lease whose device set changed on
// renewal. Devices no longer leased are removed, newly leased enabled ones
// are added through factory.
func (p *Pool) SyncLease(devices []lease.DeviceDescriptor, factory Factory) (LeaseSync, error) {
	var out LeaseSync
	leased := make(map[string]bool, len(devices))
	for _, desc := range devices {
		if desc.Enabled {
			leased[desc.Name] = true
		}
	}

	for _, st := range p.Snapshot() {
		if leased[st.Name] {
			delete(leased, st.Name)
			continue
		}
		inUse := p.IsReserved(st.Name)
		if p.Remove(st.Name) {
			out.Removed = append(out.Removed, st.Name)
			if inUse {
				out.InUse = append(out.InUse, st.Name)
			}
		}
	}

	var result *multierror.Error
	for _, desc := range devices {
		if !leased[desc.Name] {
			continue
		}
		d, err := factory(desc)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("device %s: %w", desc.Name, err))
			continue
		}
		if err := p.Add(d, ConstraintFor(desc)); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		leased[desc.Name] = false
		out.Added = append(out.Added, desc.Name)
	}
	return out, result.ErrorOrNil()
}
