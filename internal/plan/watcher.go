package plan

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

// ChangeCallback receives a plan after its file changed and parsed cleanly
type ChangeCallback func(p *Plan)

// Watcher reloads plan files when they change on disk. Editors write files
// in bursts, so reloads are debounced per file.
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	log      *slog.Logger

	mu       sync.Mutex
	debounce time.Duration
	files    map[string]struct{}
	timers   map[string]*time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher calling callback for every valid reload
func NewWatcher(callback ChangeCallback, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		callback: callback,
		log:      logging.Ensure(logger),
		debounce: 500 * time.Millisecond,
		files:    make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// SetDebounce sets how long to wait after the last write before reloading
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Add watches a plan file. The file's directory is watched so that
// editors replacing the file through a rename are still seen.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[abs]; ok {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	w.files[abs] = struct{}{}
	return nil
}

// Start begins delivering reloads until ctx ends or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("plan watcher error", "err", err)
			}
		}
	}()
}

// Stop stops watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[name]; !ok {
		return
	}
	if t, ok := w.timers[name]; ok {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() { w.reload(name) })
}

func (w *Watcher) reload(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	p, err := Load(path)
	if err != nil {
		// Keep running the previous plan until the file is fixed
		w.log.Warn("ignoring invalid plan", "path", path, "err", err)
		return
	}
	w.log.Info("plan reloaded", "path", path, "jobs", len(p.Jobs))
	if w.callback != nil {
		w.callback(p)
	}
}
