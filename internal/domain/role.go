package domain

import "fmt"

// FileToCopy is a file placed onto the device before the role runs
type FileToCopy struct {
	Source string
	Dest   string
}

// SessionRole describes one participant of a session. Roles are value
// descriptions, created once per test configuration and never mutated.
type SessionRole struct {
	Type          RoleType
	Platform      Platform
	Configuration Configuration
	Constraint    DeviceConstraint
	CommandLine   string
	Modifier      RoleModifier
	FilesToCopy   []FileToCopy
	RequiredFlags BuildFlags
}

// NewRole creates a role constrained only by its platform
func NewRole(t RoleType, p Platform, c Configuration, commandLine string) SessionRole {
	return SessionRole{
		Type:          t,
		Platform:      p,
		Configuration: c,
		Constraint:    IdentityConstraint(p),
		CommandLine:   commandLine,
	}
}

// IsDummy returns true for headless roles
func (r SessionRole) IsDummy() bool {
	return r.Modifier == ModifierDummy
}

// IsNull returns true for roles that need no device
func (r SessionRole) IsNull() bool {
	return r.Modifier == ModifierNull
}

// Name returns the role name used for artifacts, e.g. "Client" or "DummyClient"
func (r SessionRole) Name() string {
	if r.IsDummy() {
		return "Dummy" + string(r.Type)
	}
	return string(r.Type)
}

func (r SessionRole) String() string {
	return fmt.Sprintf("%s %s %s", r.Platform, r.Configuration, r.Type)
}
