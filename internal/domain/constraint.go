package domain

import (
	"fmt"
	"strings"
)

// DeviceConstraint narrows which devices can serve a role. An empty Pool is
// the identity constraint and matches any device of the platform. The type
// is comparable and used as a map key when counting device requirements.
type DeviceConstraint struct {
	Platform Platform
	Pool     string
}

// IdentityConstraint returns the constraint matching any device of platform
func IdentityConstraint(p Platform) DeviceConstraint {
	return DeviceConstraint{Platform: p}
}

// ParseConstraint parses "Platform" or "Platform:pool"
func ParseConstraint(s string) (DeviceConstraint, error) {
	platform, pool, _ := strings.Cut(strings.TrimSpace(s), ":")
	if platform == "" {
		return DeviceConstraint{}, fmt.Errorf("invalid constraint %q: missing platform", s)
	}
	return DeviceConstraint{Platform: Platform(platform), Pool: pool}, nil
}

// IsIdentity returns true when the constraint only restricts the platform
func (c DeviceConstraint) IsIdentity() bool {
	return c.Pool == ""
}

// Admits reports whether a device whose own constraint is device satisfies c
func (c DeviceConstraint) Admits(device DeviceConstraint) bool {
	if c.Platform != device.Platform {
		return false
	}
	return c.IsIdentity() || c == device
}

func (c DeviceConstraint) String() string {
	if c.IsIdentity() {
		return string(c.Platform)
	}
	return string(c.Platform) + ":" + c.Pool
}
