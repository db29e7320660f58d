// Package watch reports debounced filesystem changes under a set of directories.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 300 * time.Millisecond

// Event is a wrapper around fsnotify.Event
type Event struct {
	Name string
	Op   fsnotify.Op
}

// Watcher turns bursts of filesystem events into single OnChange calls
// carrying every path that changed during the burst.
type Watcher struct {
	watcher  *fsnotify.Watcher
	Dirs     []string
	Debounce time.Duration
	OnChange func([]Event)
	Logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending []Event
	index   map[string]int
	running sync.WaitGroup
}

// New creates a watcher for dirs. Nothing is watched until Run.
func New(dirs []string, debounce time.Duration, onChange func([]Event)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watch: onChange is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watcher:  w,
		Dirs:     dirs,
		Debounce: debounce,
		OnChange: onChange,
		Logger:   slog.Default(),
	}, nil
}

// skipDir reports directories that never hold sources: dot-dirs and node_modules.
func skipDir(path string) bool {
	base := filepath.Base(path)
	return (strings.HasPrefix(base, ".") && base != "." && base != "..") || base == "node_modules"
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && skipDir(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Run watches until ctx is done. Missing directories are skipped with a
// warning; an error is returned only when nothing could be watched. Run does
// not return while an OnChange call is in progress.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			w.Logger.Warn("Failed to close file watcher", "error", err)
		}
	}()

	watched := 0
	for _, dir := range w.Dirs {
		if _, err := os.Stat(dir); err != nil {
			w.Logger.Warn("Not watching missing directory", "path", dir, "error", err)
			continue
		}
		if err := w.addRecursive(dir); err != nil {
			w.Logger.Warn("Error walking directory", "path", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		return errors.New("watch: no directory could be watched")
	}
	w.Logger.Debug("Watching for changes", "dirs", w.Dirs, "debounce", w.Debounce)

	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// Ignore chmod and other meta events
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if skipDir(event.Name) {
				return
			}
			if err := w.addRecursive(event.Name); err != nil {
				w.Logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue(Event{Name: event.Name, Op: event.Op})
	if w.timer != nil && w.timer.Stop() {
		w.timer.Reset(w.Debounce)
		return
	}
	// No timer, or one that already fired: its callback sees a stale gen and
	// leaves the pending events to this one.
	w.gen++
	gen := w.gen
	w.running.Add(1)
	w.timer = time.AfterFunc(w.Debounce, func() { w.fire(gen) })
}

// queue records ev once per path, keeping first-seen order and the latest op.
func (w *Watcher) queue(ev Event) {
	if w.index == nil {
		w.index = make(map[string]int)
	}
	if i, ok := w.index[ev.Name]; ok {
		w.pending[i].Op = ev.Op
		return
	}
	w.index[ev.Name] = len(w.pending)
	w.pending = append(w.pending, ev)
}

func (w *Watcher) fire(gen uint64) {
	defer w.running.Done()

	w.mu.Lock()
	if gen != w.gen || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	events := w.pending
	w.pending = nil
	w.index = nil
	w.timer = nil
	w.mu.Unlock()

	w.OnChange(events)
}

// stopTimer drops pending events and waits for a callback already in progress.
func (w *Watcher) stopTimer() {
	w.mu.Lock()
	if w.timer != nil && w.timer.Stop() {
		w.running.Done()
	}
	w.timer = nil
	w.gen++
	w.pending = nil
	w.index = nil
	w.mu.Unlock()

	w.running.Wait()
}
