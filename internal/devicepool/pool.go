// Package devicepool tracks the devices available to a run and which of
// them are reserved. It is the only place reservation state is mutated.
package devicepool

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

var (
	// ErrAlreadyReserved is returned when any device of a Reserve call is taken
	ErrAlreadyReserved = errors.New("device already reserved")
	// ErrUnknownDevice is returned for devices that were never added
	ErrUnknownDevice = errors.New("unknown device")
)

type entry struct {
	dev        device.Device
	constraint domain.DeviceConstraint
	reserved   bool
	reservedAt time.Time
}

// DeviceStatus is a snapshot of one pooled device
type DeviceStatus struct {
	Name       string                  `json:"name"`
	Platform   domain.Platform         `json:"platform"`
	Constraint domain.DeviceConstraint `json:"constraint"`
	Reserved   bool                    `json:"reserved"`
	ReservedAt time.Time               `json:"reserved_at,omitempty"`
}

// Pool is a thread-safe registry of devices. Enumeration follows insertion order.
type Pool struct {
	mu        sync.Mutex
	entries   []*entry
	byName    map[string]*entry
	onChanged func(available int)
}

// New creates an empty pool
func New() *Pool {
	return &Pool{byName: make(map[string]*entry)}
}

// SetOnChanged sets a callback invoked when the number of free devices changes
func (p *Pool) SetOnChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChanged = callback
}

// Add registers a device. The constraint describes the pool subset the
// device belongs to; use domain.IdentityConstraint for untagged devices.
func (p *Pool) Add(d device.Device, c domain.DeviceConstraint) error {
	if c.Platform == "" {
		c.Platform = d.Platform()
	}
	if c.Platform != d.Platform() {
		return fmt.Errorf("device %s: constraint platform %s does not match %s", d.Name(), c.Platform, d.Platform())
	}

	p.mu.Lock()
	if _, ok := p.byName[d.Name()]; ok {
		p.mu.Unlock()
		return fmt.Errorf("device %s already in pool", d.Name())
	}
	e := &entry{dev: d, constraint: c}
	p.entries = append(p.entries, e)
	p.byName[d.Name()] = e
	callback, available := p.onChanged, p.availableLocked()
	p.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(available)
	}
	return nil
}

// Remove drops a device from the pool, reserved or not
func (p *Pool) Remove(name string) bool {
	p.mu.Lock()
	e, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.byName, name)
	p.entries = slices.DeleteFunc(p.entries, func(x *entry) bool { return x == e })
	callback, available := p.onChanged, p.availableLocked()
	p.mu.Unlock()

	if callback != nil {
		callback(available)
	}
	return true
}

// Len returns the number of pooled devices
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Available returns the number of unreserved devices
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Pool) availableLocked() int {
	n := 0
	for _, e := range p.entries {
		if !e.reserved {
			n++
		}
	}
	return n
}

// Snapshot returns the state of every device in insertion order
func (p *Pool) Snapshot() []DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeviceStatus, len(p.entries))
	for i, e := range p.entries {
		out[i] = DeviceStatus{
			Name:       e.dev.Name(),
			Platform:   e.dev.Platform(),
			Constraint: e.constraint,
			Reserved:   e.reserved,
			ReservedAt: e.reservedAt,
		}
	}
	return out
}

// CheckAvailable reports whether the free devices, minus excluded ones,
// can satisfy every requirement at once. Pool-specific constraints are
// filled before identity constraints so a tagged device is not spent on a
// requirement any device could meet.
func (p *Pool) CheckAvailable(requirements map[domain.DeviceConstraint]int, excluded []domain.ProblemDevice) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	skip := make(map[string]bool, len(excluded))
	for _, pd := range excluded {
		skip[pd.Name] = true
	}

	constraints := make([]domain.DeviceConstraint, 0, len(requirements))
	for c := range requirements {
		constraints = append(constraints, c)
	}
	slices.SortFunc(constraints, compareConstraints)

	used := make(map[*entry]bool)
	for _, c := range constraints {
		need := requirements[c]
		for _, e := range p.entries {
			if need == 0 {
				break
			}
			if used[e] || e.reserved || skip[e.dev.Name()] || !e.dev.IsAvailable() || !c.Admits(e.constraint) {
				continue
			}
			used[e] = true
			need--
		}
		if need > 0 {
			return false
		}
	}
	return true
}

// compareConstraints orders pool-specific constraints first, then by name
func compareConstraints(a, b domain.DeviceConstraint) int {
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
}

// Enumerate calls visit for each unreserved device admitted by c, in
// insertion order, until visit returns false. visit runs without the pool
// lock held so it may call back into the pool.
func (p *Pool) Enumerate(c domain.DeviceConstraint, visit func(device.Device) bool) {
	p.mu.Lock()
	var candidates []device.Device
	for _, e := range p.entries {
		if !e.reserved && c.Admits(e.constraint) {
			candidates = append(candidates, e.dev)
		}
	}
	p.mu.Unlock()

	for _, d := range candidates {
		if !visit(d) {
			return
		}
	}
}

// Reserve marks every device reserved, or none of them when any is
// unknown or already reserved.
func (p *Pool) Reserve(devices []device.Device) error {
	p.mu.Lock()
	batch := make([]*entry, 0, len(devices))
	for _, d := range devices {
		e, ok := p.byName[d.Name()]
		if !ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownDevice, d.Name())
		}
		if e.reserved || slices.Contains(batch, e) {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyReserved, d.Name())
		}
		batch = append(batch, e)
	}
	now := time.Now()
	for _, e := range batch {
		e.reserved = true
		e.reservedAt = now
	}
	callback, available := p.onChanged, p.availableLocked()
	p.mu.Unlock()

	if callback != nil && len(batch) > 0 {
		callback(available)
	}
	return nil
}

// Release frees the devices. Releasing a free or unknown device is a no-op.
func (p *Pool) Release(devices []device.Device) {
	p.mu.Lock()
	changed := false
	for _, d := range devices {
		if e, ok := p.byName[d.Name()]; ok && e.reserved {
			e.reserved = false
			e.reservedAt = time.Time{}
			changed = true
		}
	}
	callback, available := p.onChanged, p.availableLocked()
	p.mu.Unlock()

	if callback != nil && changed {
		callback(available)
	}
}

// IsReserved reports whether the named device is reserved
func (p *Pool) IsReserved(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byName[name]
	return ok && e.reserved
}

// GetConstraint returns the constraint the device was added with, or the
// identity constraint of its platform for unknown devices
func (p *Pool) GetConstraint(d device.Device) domain.DeviceConstraint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byName[d.Name()]; ok {
		return e.constraint
	}
	return domain.IdentityConstraint(d.Platform())
}
