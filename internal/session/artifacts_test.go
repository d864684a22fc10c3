package session

import (
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func runningRole(rt domain.RoleType, mod domain.RoleModifier) RunningRole {
	r := domain.NewRole(rt, domain.PlatformWin64, domain.ConfigDevelopment, "")
	r.Modifier = mod
	return RunningRole{Role: r}
}

func TestArtifactFolders(t *testing.T) {
	roles := []RunningRole{
		runningRole(domain.RoleServer, domain.ModifierNone),
		runningRole(domain.RoleClient, domain.ModifierNone),
		runningRole(domain.RoleClient, domain.ModifierNone),
		runningRole(domain.RoleClient, domain.ModifierDummy),
		runningRole(domain.RoleClient, domain.ModifierNone),
	}
	want := []string{"Server", "Client", "Client_02", "DummyClient", "Client_03"}
	if diff := cmp.Diff(want, ArtifactFolders(roles)); diff != "" {
		t.Errorf("ArtifactFolders() mismatch (-want +got):\n%s", diff)
	}
}

func TestArtifactFolders_SkipsNullRoles(t *testing.T) {
	roles := []RunningRole{
		runningRole(domain.RoleClient, domain.ModifierNull),
		runningRole(domain.RoleClient, domain.ModifierNone),
		runningRole(domain.RoleClient, domain.ModifierNone),
	}
	want := []string{"", "Client", "Client_02"}
	if diff := cmp.Diff(want, ArtifactFolders(roles)); diff != "" {
		t.Errorf("ArtifactFolders() mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveRoleArtifacts(t *testing.T) {
	saved := t.TempDir()
	writePNG(t, filepath.Join(saved, "Screenshots", "Win64", "001.png"), 64, 32, color.White)
	writePNG(t, filepath.Join(saved, "Screenshots", "Win64", "002.png"), 64, 32, color.Black)
	if err := os.WriteFile(filepath.Join(saved, "metrics.csv"), []byte("fps,60\n"), 0644); err != nil {
		t.Fatal(err)
	}

	d := newFakeDevice("win-01", domain.PlatformWin64)
	app := &fakeApp{
		device:    d,
		cmd:       "-game -ExecCmds=Automation",
		stdout:    "hello\nTEST COMPLETE. EXIT CODE: 0\n",
		artifacts: saved,
		exitCode:  0,
		done:      make(chan struct{}),
	}
	role := domain.NewRole(domain.RoleClient, domain.PlatformWin64, domain.ConfigDevelopment, "")

	o := newOrchestrator(t, newPool(), role)
	out := filepath.Join(t.TempDir(), "Client")
	a, err := o.SaveRoleArtifacts(RunningRole{Role: role, App: app}, out)
	if err != nil {
		t.Fatalf("SaveRoleArtifacts() error = %v", err)
	}

	log, err := os.ReadFile(a.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"------ Session Role Output ------", "Device: win-01", "Command Line: -game -ExecCmds=Automation", "hello"} {
		if !strings.Contains(string(log), want) {
			t.Errorf("output log missing %q", want)
		}
	}
	if filepath.Base(a.LogPath) != "ClientOutput.log" {
		t.Errorf("LogPath = %s, want ClientOutput.log", a.LogPath)
	}

	if a.GifPath == "" {
		t.Fatal("GifPath is empty, want a gif from two screenshots")
	}
	f, err := os.Open(a.GifPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatalf("decoding gif: %v", err)
	}
	if len(g.Image) != 2 {
		t.Errorf("gif frames = %d, want 2", len(g.Image))
	}

	if _, err := os.Stat(filepath.Join(out, device.SavedDir, "metrics.csv")); err != nil {
		t.Errorf("Saved tree not archived: %v", err)
	}

	s := a.Summary()
	if !s.HasExitCode || s.ExitCode != 0 {
		t.Errorf("Summary() exit = %v/%d, want true/0", s.HasExitCode, s.ExitCode)
	}
}

func TestSaveRoleArtifacts_EditorSkipsSaved(t *testing.T) {
	saved := t.TempDir()
	if err := os.WriteFile(filepath.Join(saved, "huge.bin"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newFakeDevice("win-01", domain.PlatformWin64)
	app := &fakeApp{device: d, artifacts: saved, done: make(chan struct{})}
	role := domain.NewRole(domain.RoleEditor, domain.PlatformWin64, domain.ConfigDevelopment, "")

	o := newOrchestrator(t, newPool(), role)
	out := filepath.Join(t.TempDir(), "Editor")
	if _, err := o.SaveRoleArtifacts(RunningRole{Role: role, App: app}, out); err != nil {
		t.Fatalf("SaveRoleArtifacts() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, device.SavedDir)); !os.IsNotExist(err) {
		t.Errorf("editor Saved tree should not be archived, stat err = %v", err)
	}
}

func TestSaveAllArtifacts_SkipsNullRoles(t *testing.T) {
	d := newFakeDevice("win-01", domain.PlatformWin64)
	client := domain.NewRole(domain.RoleClient, domain.PlatformWin64, domain.ConfigDevelopment, "")
	server := domain.NewRole(domain.RoleServer, domain.PlatformWin64, domain.ConfigDevelopment, "")
	server.Modifier = domain.ModifierNull

	roles := []RunningRole{
		{Role: server, App: &fakeApp{device: d, done: make(chan struct{})}},
		{Role: client, App: &fakeApp{device: d, stdout: "ok\n", done: make(chan struct{})}},
		{Role: client, App: &fakeApp{device: d, stdout: "ok\n", done: make(chan struct{})}},
	}
	inst := newInstance(roles, 0, logging.Discard())

	o := newOrchestrator(t, newPool(), client)
	out := t.TempDir()
	saved, err := o.SaveAllArtifacts(inst, out)
	if err != nil {
		t.Fatalf("SaveAllArtifacts() error = %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved %d roles, want 2", len(saved))
	}
	for _, dir := range []string{"Client", "Client_02"} {
		if _, err := os.Stat(filepath.Join(out, dir, "ClientOutput.log")); err != nil {
			t.Errorf("missing log in %s: %v", dir, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "Server")); !os.IsNotExist(err) {
		t.Error("null role should not get an artifact folder")
	}
}

func TestSaveImagesAsGif_Empty(t *testing.T) {
	n, err := SaveImagesAsGif(t.TempDir(), filepath.Join(t.TempDir(), "x.gif"), 100)
	if err != nil || n != 0 {
		t.Errorf("SaveImagesAsGif(empty) = %d, %v, want 0, nil", n, err)
	}
}

func TestParseLogSummary(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     LogSummary
		errCount int
	}{
		{
			name:  "clean exit",
			input: "starting\nTEST COMPLETE. EXIT CODE: 0\n",
			want:  LogSummary{Lines: 2, HasExitCode: true, ExitCode: 0},
		},
		{
			name:     "failing exit with errors",
			input:    "Error: asset missing\nWarning: slow frame\nTEST COMPLETE. EXIT CODE: -1\n",
			want:     LogSummary{Lines: 3, HasExitCode: true, ExitCode: -1},
			errCount: 1,
		},
		{
			name:     "crash",
			input:    "Fatal error: access violation\nunhandled exception in thread\n",
			want:     LogSummary{Lines: 2, FatalError: "Fatal error: access violation"},
			errCount: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLogSummary(strings.NewReader(tt.input))
			if err != nil {
				t.Fatal(err)
			}
			if got.Lines != tt.want.Lines || got.HasExitCode != tt.want.HasExitCode ||
				got.ExitCode != tt.want.ExitCode || got.FatalError != tt.want.FatalError {
				t.Errorf("ParseLogSummary() = %+v, want %+v", got, tt.want)
			}
			if len(got.Errors) != tt.errCount {
				t.Errorf("errors = %d, want %d", len(got.Errors), tt.errCount)
			}
		})
	}
}
