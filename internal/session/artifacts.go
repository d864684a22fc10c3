package session

import (
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/nfnt/resize"
	"github.com/otiai10/copy"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/device-test-orchestrator/internal/device"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
)

const (
	// gifWidth is the width screenshots are scaled to before assembly
	gifWidth = 480
	// gifFrameDelay is in hundredths of a second
	gifFrameDelay = 100
)

// RoleArtifacts records where one role's artifacts were saved
type RoleArtifacts struct {
	Role         domain.SessionRole
	Instance     device.AppInstance
	ArtifactPath string
	LogPath      string
	GifPath      string

	summaryOnce sync.Once
	summary     *LogSummary
}

// Summary parses the output log on first use
func (a *RoleArtifacts) Summary() *LogSummary {
	a.summaryOnce.Do(func() {
		a.summary = &LogSummary{}
		f, err := os.Open(a.LogPath)
		if err != nil {
			return
		}
		defer f.Close()
		if s, err := ParseLogSummary(f); err == nil {
			a.summary = s
		}
	})
	return a.summary
}

// SaveRoleArtifacts writes the role's output log into outPath, turns
// screenshots of non-server roles into a GIF and copies the device-side
// Saved tree for non-editor roles. Only failing to write the output log is
// an error; the other steps log and carry on.
func (o *Orchestrator) SaveRoleArtifacts(r RunningRole, outPath string) (*RoleArtifacts, error) {
	if err := os.MkdirAll(outPath, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	name := r.Role.Name()
	artifacts := &RoleArtifacts{
		Role:         r.Role,
		Instance:     r.App,
		ArtifactPath: outPath,
		LogPath:      filepath.Join(outPath, name+"Output.log"),
	}

	var b strings.Builder
	b.WriteString("------ Session Role Output ------\n")
	fmt.Fprintf(&b, "Role: %s\n", r.Role)
	fmt.Fprintf(&b, "Device: %s\n", r.App.Device().Name())
	fmt.Fprintf(&b, "Command Line: %s\n", r.App.CommandLine())
	b.WriteString("---------------------------------\n")
	b.WriteString(r.App.StdOut())
	if err := os.WriteFile(artifacts.LogPath, []byte(b.String()), 0644); err != nil {
		return nil, fmt.Errorf("writing output log: %w", err)
	}
	o.log.Info("wrote role log", "role", name, "path", artifacts.LogPath, "size", humanize.Bytes(uint64(b.Len())))

	source := r.App.ArtifactPath()
	if source == "" {
		return artifacts, nil
	}

	if !r.Role.Type.IsServer() {
		shots := screenshotDir(source, r.Role.Platform)
		if shots != "" {
			gifPath := filepath.Join(outPath, name+"Test.gif")
			if n, err := SaveImagesAsGif(shots, gifPath, gifWidth); err != nil {
				o.log.Warn("converting screenshots failed", "role", name, "err", err)
			} else if n > 0 {
				artifacts.GifPath = gifPath
				o.log.Info("saved screenshot gif", "role", name, "frames", n, "path", gifPath)
			}
		}
	}

	// Editor Saved trees can be huge
	if r.Role.Type.UsesEditor() {
		o.log.Info("skipping archival of editor assets", "role", name)
		return artifacts, nil
	}
	if _, err := os.Stat(source); err != nil {
		o.log.Info("saved directory not found", "role", name, "path", source)
		return artifacts, nil
	}
	dest := filepath.Join(outPath, device.SavedDir)
	if err := copy.Copy(source, dest); err != nil {
		o.log.Warn("archiving saved directory failed", "role", name, "err", err)
	} else {
		o.log.Info("archived artifacts", "role", name, "path", dest)
	}
	return artifacts, nil
}

// screenshotDir returns Saved/Screenshots/<platform>, trying the lower-case
// variant too, or "" when neither holds files
func screenshotDir(saved string, p domain.Platform) string {
	for _, dir := range []string{
		filepath.Join(saved, "Screenshots", string(p)),
		filepath.Join(saved, "screenshots", strings.ToLower(string(p))),
	} {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) > 0 {
			return dir
		}
	}
	return ""
}

// ArtifactFolders names the artifact folder of each role: "<Dummy?><Role>",
// with "_02", "_03"... for the second and later roles of the same name.
// Null roles save nothing; their folder is empty and they are not counted.
func ArtifactFolders(roles []RunningRole) []string {
	seen := make(map[string]int)
	out := make([]string, len(roles))
	for i, r := range roles {
		if r.Role.IsNull() {
			continue
		}
		name := r.Role.Name()
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%02d", name, n)
		}
		out[i] = name
	}
	return out
}

// SaveAllArtifacts saves every role of inst under outPath in parallel
func (o *Orchestrator) SaveAllArtifacts(inst *Instance, outPath string) ([]*RoleArtifacts, error) {
	roles := inst.RunningRoles()
	folders := ArtifactFolders(roles)
	results := make([]*RoleArtifacts, len(roles))

	var mu sync.Mutex
	var errs *multierror.Error

	var g errgroup.Group
	g.SetLimit(4)
	for i, r := range roles {
		if r.Role.IsNull() {
			continue
		}
		g.Go(func() error {
			a, err := o.SaveRoleArtifacts(r, filepath.Join(outPath, folders[i]))
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", folders[i], err))
				mu.Unlock()
				return nil
			}
			results[i] = a
			return nil
		})
	}
	g.Wait()

	saved := slices.DeleteFunc(results, func(a *RoleArtifacts) bool { return a == nil })
	return saved, errs.ErrorOrNil()
}

// SaveImagesAsGif scales every PNG or JPEG in dir to width and writes them,
// in name order, as frames of an animated GIF. It returns the frame count.
func SaveImagesAsGif(dir, gifPath string, width uint) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".png" || ext == ".jpg" || ext == ".jpeg") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	if len(names) == 0 {
		return 0, nil
	}

	anim := &gif.GIF{}
	for _, name := range names {
		img, err := decodeImage(filepath.Join(dir, name))
		if err != nil {
			return 0, fmt.Errorf("decoding %s: %w", name, err)
		}
		scaled := resize.Resize(width, 0, img, resize.Lanczos3)
		frame := image.NewPaletted(scaled.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(frame, scaled.Bounds(), scaled, image.Point{})
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, gifFrameDelay)
	}

	f, err := os.Create(gifPath)
	if err != nil {
		return 0, err
	}
	if err := gif.EncodeAll(f, anim); err != nil {
		f.Close()
		return 0, err
	}
	return len(names), f.Close()
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
