//go:build integration

package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	binary    string
	buildErr  error
)

// binaryPath builds the testorch CLI once per test binary
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "testorch-bin-*")
		if err != nil {
			buildErr = err
			return
		}
		binary = filepath.Join(dir, "testorch")
		cmd := exec.Command("go", "build", "-o", binary, "../cmd/testorch")
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("%v\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v", buildErr)
	}
	return binary
}

// workspace is a temp directory holding a config with local Linux devices
type workspace struct {
	dir    string
	config string
	db     string
}

func newWorkspace(t *testing.T, devices int) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:    dir,
		config: filepath.Join(dir, "config.toml"),
		db:     filepath.Join(dir, "results.db"),
	}

	var b strings.Builder
	fmt.Fprintf(&b, `[scheduler]
parallel = 2
tick_interval = "50ms"
ready_check_period = "100ms"
inter_pass_delay = "0s"
cancel_grace_period = "5s"
wait = "10s"

[session]
reserve_retries = 1
reserve_retry_wait = "100ms"
shutdown_flush_delay = "0s"
artifact_dir = %q
sandbox_dir = %q

[store]
database_path = %q
`, filepath.Join(dir, "artifacts"), filepath.Join(dir, "sandbox"), ws.db)
	for i := 1; i <= devices; i++ {
		fmt.Fprintf(&b, "\n[[device]]\nname = \"linux-%d\"\nplatform = \"Linux\"\n", i)
	}

	if err := os.WriteFile(ws.config, []byte(b.String()), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return ws
}

// writePlan writes a plan file into the workspace and returns its path
func (ws *workspace) writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(ws.dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write plan: %v", err)
	}
	return path
}

// run executes the CLI against the workspace config
func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append([]string{"--config", ws.config, "--log-level", "warn"}, args...)
	cmd := exec.Command(binaryPath(t), args...)
	cmd.Dir = ws.dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
