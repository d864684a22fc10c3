package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
	"github.com/hochfrequenz/device-test-orchestrator/internal/runctx"
)

func ps4Client() domain.SessionRole {
	return domain.NewRole(domain.RoleClient, domain.PlatformPS4, domain.ConfigDevelopment, "-game")
}

func testOptions() Options {
	return Options{
		Name:             "test",
		ReserveRetries:   2,
		ReserveRetryWait: time.Millisecond,
		Logger:           logging.Discard(),
	}
}

func newOrchestrator(t *testing.T, pool DevicePool, roles ...domain.SessionRole) *Orchestrator {
	t.Helper()
	o, err := New(pool, roles, testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestNew_RejectsEmptyRoles(t *testing.T) {
	if _, err := New(newPool(), nil, testOptions()); !errors.Is(err, ErrNoRoles) {
		t.Errorf("New() error = %v, want ErrNoRoles", err)
	}
}

type noEditors struct{}

func (noEditors) CanSupportRole(r domain.SessionRole) bool { return !r.Type.UsesEditor() }

func TestNew_ValidatesBuildSource(t *testing.T) {
	opts := testOptions()
	opts.BuildSource = noEditors{}
	editor := domain.NewRole(domain.RoleEditor, domain.PlatformWin64, domain.ConfigDevelopment, "")
	if _, err := New(newPool(), []domain.SessionRole{editor}, opts); err == nil {
		t.Error("New() should reject a role the build cannot support")
	}
}

func TestReserveDevices_NotEnoughDevices(t *testing.T) {
	pool := newPool(newFakeDevice("ps4-a", domain.PlatformPS4))
	o := newOrchestrator(t, pool, ps4Client(), ps4Client())

	if o.ReserveDevices(context.Background()) {
		t.Fatal("ReserveDevices() = true with one PS4 for two roles")
	}
	if n := len(o.ReservedDevices()); n != 0 {
		t.Errorf("reserved %d devices, want 0", n)
	}
	if pool.Available() != 1 {
		t.Errorf("pool available = %d, want 1", pool.Available())
	}
}

func TestReserveDevices_ConnectFailureReleasesBatch(t *testing.T) {
	a := newFakeDevice("ps4-a", domain.PlatformPS4)
	b := newFakeDevice("ps4-b", domain.PlatformPS4)
	b.failConnect = true
	pool := newPool(a, b)
	o := newOrchestrator(t, pool, ps4Client(), ps4Client())

	if o.ReserveDevices(context.Background()) {
		t.Fatal("ReserveDevices() = true despite a connect failure")
	}
	if pool.Available() != 2 {
		t.Errorf("pool available = %d, want 2 (no partial holds)", pool.Available())
	}
	problems := o.ProblemDevices()
	if len(problems) != 1 || problems[0].Name != "ps4-b" {
		t.Errorf("ProblemDevices() = %v, want [ps4-b]", problems)
	}
	// ps4-a connected before ps4-b failed and must not stay connected
	if a.IsConnected() || a.disconnects != 1 {
		t.Errorf("ps4-a connected = %v, disconnects = %d, want false, 1", a.IsConnected(), a.disconnects)
	}
}

func TestReserveDevices_ExcludesProblemDevices(t *testing.T) {
	a := newFakeDevice("ps4-a", domain.PlatformPS4)
	b := newFakeDevice("ps4-b", domain.PlatformPS4)
	a.failConnect = true
	pool := newPool(a, b)
	o := newOrchestrator(t, pool, ps4Client())

	if o.ReserveDevices(context.Background()) {
		t.Fatal("first ReserveDevices() should fail on ps4-a")
	}
	// ps4-a is healthy now but stays quarantined
	a.mu.Lock()
	a.failConnect = false
	a.mu.Unlock()

	for i := 0; i < 3; i++ {
		if !o.ReserveDevices(context.Background()) {
			t.Fatalf("ReserveDevices() attempt %d failed", i)
		}
		got := o.ReservedDevices()
		if len(got) != 1 || got[0].Name() != "ps4-b" {
			t.Fatalf("reserved %v, want only ps4-b", got)
		}
	}

	o.ClearProblemDevices()
	if len(o.ProblemDevices()) != 0 {
		t.Error("ClearProblemDevices() left entries")
	}
}

func TestProblemDevices_SharedAcrossRun(t *testing.T) {
	bad := newFakeDevice("ps4-bad", domain.PlatformPS4)
	bad.failInstall = true
	good := newFakeDevice("ps4-good", domain.PlatformPS4)
	spare := newFakeDevice("ps4-spare", domain.PlatformPS4)
	pool := newPool(bad, good, spare)
	rc := runctx.New(context.Background())
	defer rc.Cancel(nil)

	newJob := func(name string) *Orchestrator {
		opts := testOptions()
		opts.Name = name
		opts.Run = rc
		o, err := New(pool, []domain.SessionRole{ps4Client()}, opts)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { o.Close() })
		return o
	}
	jobA, jobB := newJob("A"), newJob("B")

	if _, err := jobA.LaunchSession(context.Background()); err != nil {
		t.Fatalf("A LaunchSession() error = %v", err)
	}
	if got := jobA.QuarantinedDevices(); len(got) != 1 || got[0].Name != "ps4-bad" {
		t.Fatalf("A QuarantinedDevices() = %v, want [ps4-bad]", got)
	}

	// B never quarantined anything itself but must skip ps4-bad
	if !jobB.ReserveDevices(context.Background()) {
		t.Fatal("B ReserveDevices() failed")
	}
	if got := jobB.ReservedDevices(); len(got) != 1 || got[0].Name() != "ps4-spare" {
		t.Errorf("B reserved %v, want ps4-spare", got)
	}
	if got := jobB.ProblemDevices(); len(got) != 1 || got[0].Name != "ps4-bad" {
		t.Errorf("B ProblemDevices() = %v, want [ps4-bad]", got)
	}
	if n := len(jobB.QuarantinedDevices()); n != 0 {
		t.Errorf("B QuarantinedDevices() = %d entries, want 0", n)
	}

	jobB.ClearProblemDevices()
	if n := len(rc.ProblemDevices()); n != 0 {
		t.Errorf("run ProblemDevices() after clear = %d entries, want 0", n)
	}
}

func TestReserveDevices_Reboot(t *testing.T) {
	d := newFakeDevice("ps4-a", domain.PlatformPS4)
	d.on = true
	opts := testOptions()
	opts.Reboot = true
	o, err := New(newPool(d), []domain.SessionRole{ps4Client()}, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	if !o.ReserveDevices(context.Background()) {
		t.Fatal("ReserveDevices() failed")
	}
	if d.reboots != 1 {
		t.Errorf("reboots = %d, want 1", d.reboots)
	}
	if !d.IsConnected() {
		t.Error("device should be reconnected after reboot")
	}
}

func TestLaunchSession_InstallFaultRetriesElsewhere(t *testing.T) {
	bad := newFakeDevice("ps4-bad", domain.PlatformPS4)
	bad.failInstall = true
	good := newFakeDevice("ps4-good", domain.PlatformPS4)
	pool := newPool(bad, good)
	o := newOrchestrator(t, pool, ps4Client())

	inst, err := o.LaunchSession(context.Background())
	if err != nil {
		t.Fatalf("LaunchSession() error = %v", err)
	}
	roles := inst.RunningRoles()
	if len(roles) != 1 || roles[0].App.Device().Name() != "ps4-good" {
		t.Errorf("session runs on %v, want ps4-good", roles[0].App.Device().Name())
	}
	problems := o.ProblemDevices()
	if len(problems) != 1 || problems[0].Name != "ps4-bad" {
		t.Errorf("ProblemDevices() = %v, want [ps4-bad]", problems)
	}
	if !pool.IsReserved("ps4-good") || pool.IsReserved("ps4-bad") {
		t.Error("only ps4-good should stay reserved")
	}
}

func TestLaunchSession_RunFaultKillsLaunchedRoles(t *testing.T) {
	server := newFakeDevice("win-server", domain.PlatformWin64)
	flaky := newFakeDevice("ps4-flaky", domain.PlatformPS4)
	flaky.failRun = true
	spare := newFakeDevice("ps4-spare", domain.PlatformPS4)
	pool := newPool(server, flaky, spare)

	serverRole := domain.NewRole(domain.RoleServer, domain.PlatformWin64, domain.ConfigDevelopment, "-server")
	o := newOrchestrator(t, pool, serverRole, ps4Client())

	inst, err := o.LaunchSession(context.Background())
	if err != nil {
		t.Fatalf("LaunchSession() error = %v", err)
	}
	// The first attempt's server was killed and disconnected
	if server.disconnects == 0 {
		t.Error("server launched in the failed attempt should have been disconnected")
	}
	if !inst.ServerRunning() || !inst.ClientsRunning() {
		t.Error("relaunched session should have server and client running")
	}
	if got := inst.ClientApps()[0].Device().Name(); got != "ps4-spare" {
		t.Errorf("client runs on %s, want ps4-spare", got)
	}
}

func TestLaunchSession_ExhaustedRetries(t *testing.T) {
	d := newFakeDevice("ps4-a", domain.PlatformPS4)
	d.failInstall = true
	pool := newPool(d)
	o := newOrchestrator(t, pool, ps4Client())

	_, err := o.LaunchSession(context.Background())
	if !errors.Is(err, ErrDeviceAcquisition) {
		t.Fatalf("LaunchSession() error = %v, want ErrDeviceAcquisition", err)
	}
	if pool.Available() != 1 {
		t.Errorf("pool available = %d, want 1", pool.Available())
	}
}

func TestLaunchSession_Cancelled(t *testing.T) {
	pool := newPool() // nothing will ever be available
	rc := runctx.New(context.Background())
	opts := testOptions()
	opts.ReserveRetries = 1000
	opts.ReserveRetryWait = 10 * time.Millisecond
	opts.Run = rc
	o, err := New(pool, []domain.SessionRole{ps4Client()}, opts)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		rc.Cancel(nil)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := o.LaunchSession(rc.Context())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("LaunchSession() error = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("LaunchSession() did not return after cancellation")
	}
}

func TestLaunchSession_NullRoleNeedsNoDevice(t *testing.T) {
	pool := newPool(newFakeDevice("ps4-a", domain.PlatformPS4))
	server := domain.NewRole(domain.RoleServer, domain.PlatformWin64, domain.ConfigDevelopment, "")
	server.Modifier = domain.ModifierNull
	o := newOrchestrator(t, pool, server, ps4Client())

	inst, err := o.LaunchSession(context.Background())
	if err != nil {
		t.Fatalf("LaunchSession() error = %v", err)
	}
	if got := inst.ServerApp().Device().Name(); got != "NullServer" {
		t.Errorf("server device = %s, want NullServer", got)
	}
	if len(o.ReservedDevices()) != 1 {
		t.Errorf("reserved %d devices, want 1", len(o.ReservedDevices()))
	}
}

func TestLaunchSession_ConstrainedRolesBindFirst(t *testing.T) {
	perfDev := newFakeDevice("ps4-perf", domain.PlatformPS4)
	plainDev := newFakeDevice("ps4-plain", domain.PlatformPS4)
	pool := newPool()
	pool.Add(perfDev, domain.DeviceConstraint{Platform: domain.PlatformPS4, Pool: "perf"})
	pool.Add(plainDev, domain.IdentityConstraint(domain.PlatformPS4))

	anyRole := ps4Client()
	perf := ps4Client()
	perf.Constraint = domain.DeviceConstraint{Platform: domain.PlatformPS4, Pool: "perf"}
	o := newOrchestrator(t, pool, anyRole, perf)

	inst, err := o.LaunchSession(context.Background())
	if err != nil {
		t.Fatalf("LaunchSession() error = %v", err)
	}
	for _, r := range inst.RunningRoles() {
		want := "ps4-plain"
		if !r.Role.Constraint.IsIdentity() {
			want = "ps4-perf"
		}
		if got := r.App.Device().Name(); got != want {
			t.Errorf("role %v bound to %s, want %s", r.Role.Constraint, got, want)
		}
	}
}

func TestShutdownSession_Idempotent(t *testing.T) {
	pool := newPool(newFakeDevice("ps4-a", domain.PlatformPS4))
	o := newOrchestrator(t, pool, ps4Client())

	inst, err := o.LaunchSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	app := inst.ClientApps()[0].(*fakeApp)
	before := pool.Releases()

	o.ShutdownSession()
	o.ShutdownSession()

	if got := pool.Releases() - before; got != 1 {
		t.Errorf("releases = %d, want exactly 1", got)
	}
	if !app.Killed() {
		t.Error("running client should have been killed")
	}
	if pool.Available() != 1 {
		t.Errorf("pool available = %d, want 1", pool.Available())
	}
	if o.Instance() != nil {
		t.Error("Instance() should be nil after shutdown")
	}
}

func TestRestartSession(t *testing.T) {
	pool := newPool(newFakeDevice("ps4-a", domain.PlatformPS4))
	o := newOrchestrator(t, pool, ps4Client())

	first, err := o.LaunchSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.LaunchSession(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second LaunchSession() error = %v, want ErrAlreadyRunning", err)
	}

	second, err := o.RestartSession(context.Background())
	if err != nil {
		t.Fatalf("RestartSession() error = %v", err)
	}
	if first.ID == second.ID {
		t.Error("restart should produce a new instance")
	}
	if first.IsRunningRoles() {
		t.Error("first instance should be shut down")
	}
}

func TestInstance_ShutdownOrder(t *testing.T) {
	mk := func(name string, rt domain.RoleType) RunningRole {
		d := newFakeDevice(name, domain.PlatformWin64)
		return RunningRole{
			Role: domain.NewRole(rt, domain.PlatformWin64, domain.ConfigDevelopment, ""),
			App:  &fakeApp{device: d, exitCode: -1, done: make(chan struct{})},
		}
	}
	roles := []RunningRole{mk("srv", domain.RoleServer), mk("cl1", domain.RoleClient), mk("ed", domain.RoleEditor)}
	inst := newInstance(roles, 0, logging.Discard())

	if !inst.IsRunningRoles() || inst.EditorApp() == nil {
		t.Fatal("instance should be running with an editor")
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if inst.IsRunningRoles() {
		t.Error("roles still running after Shutdown()")
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

var _ device.Device = (*fakeDevice)(nil)
