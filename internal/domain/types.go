package domain

import (
	"fmt"
	"strings"
)

// Platform identifies the kind of device a role runs on
type Platform string

const (
	PlatformWin64   Platform = "Win64"
	PlatformLinux   Platform = "Linux"
	PlatformMac     Platform = "Mac"
	PlatformPS4     Platform = "PS4"
	PlatformXboxOne Platform = "XboxOne"
	PlatformSwitch  Platform = "Switch"
	PlatformAndroid Platform = "Android"
	PlatformIOS     Platform = "IOS"
)

// Configuration is the build configuration a role runs in
type Configuration string

const (
	ConfigDebug       Configuration = "Debug"
	ConfigDevelopment Configuration = "Development"
	ConfigTest        Configuration = "Test"
	ConfigShipping    Configuration = "Shipping"
)

// RoleType is the logical participant a role plays in a session
type RoleType string

const (
	RoleClient       RoleType = "Client"
	RoleServer       RoleType = "Server"
	RoleEditor       RoleType = "Editor"
	RoleEditorGame   RoleType = "EditorGame"
	RoleEditorServer RoleType = "EditorServer"
)

var roleTypes = []RoleType{RoleClient, RoleServer, RoleEditor, RoleEditorGame, RoleEditorServer}

// ParseRoleType parses a role type name case-insensitively
func ParseRoleType(s string) (RoleType, error) {
	for _, r := range roleTypes {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role type %q", s)
}

// IsClient returns true for roles that act as game clients
func (r RoleType) IsClient() bool {
	return r == RoleClient || r == RoleEditorGame
}

// IsServer returns true for roles that act as dedicated servers
func (r RoleType) IsServer() bool {
	return r == RoleServer || r == RoleEditorServer
}

// IsEditor returns true for the plain editor role
func (r RoleType) IsEditor() bool {
	return r == RoleEditor
}

// UsesEditor returns true for every role that runs inside the editor executable
func (r RoleType) UsesEditor() bool {
	return r == RoleEditor || r == RoleEditorGame || r == RoleEditorServer
}

// RoleModifier changes how a role is scheduled
type RoleModifier string

const (
	// ModifierNone is a regular role that needs a device
	ModifierNone RoleModifier = ""
	// ModifierDummy still launches a process but headless
	ModifierDummy RoleModifier = "dummy"
	// ModifierNull needs no device and is never scheduled onto one
	ModifierNull RoleModifier = "null"
)

// ParseRoleModifier parses a modifier name; empty and "none" map to ModifierNone
func ParseRoleModifier(s string) (RoleModifier, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ModifierNone, nil
	case "dummy":
		return ModifierDummy, nil
	case "null":
		return ModifierNull, nil
	}
	return "", fmt.Errorf("unknown role modifier %q", s)
}

// BuildFlags are capabilities a build must offer for a role
type BuildFlags uint

const (
	BuildFlagsNone BuildFlags = 0
	// CanReplaceExecutable allows swapping a single binary without a full reinstall
	CanReplaceExecutable BuildFlags = 1 << iota
	// Bulk requests a bulk (non-streamed) data install
	Bulk
)

// Has reports whether all bits of f are set
func (b BuildFlags) Has(f BuildFlags) bool {
	return b&f == f
}

// TestStatus is what a running job reports from a tick
type TestStatus string

const (
	TestInProgress TestStatus = "in_progress"
	TestComplete   TestStatus = "complete"
)

// TestResult is the outcome a job reports once complete
type TestResult string

const (
	TestPassed    TestResult = "passed"
	TestFailed    TestResult = "failed"
	TestWantRetry TestResult = "want_retry"
)

// ExecutionResult is the scheduler-side outcome of one job in one pass
type ExecutionResult string

const (
	ResultNotStarted ExecutionResult = "not_started"
	ResultTimedOut   ExecutionResult = "timed_out"
	ResultPassed     ExecutionResult = "passed"
	ResultFailed     ExecutionResult = "failed"
)

// ProblemDevice is a device quarantined after a connect, install or launch failure
type ProblemDevice struct {
	Name     string
	Platform Platform
}

func (p ProblemDevice) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, p.Platform)
}
