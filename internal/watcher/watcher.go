// Package watcher watches a directory tree with fsnotify and reports files
// that were created or written, debounced so an editor's burst of writes
// produces a single callback.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event for a path
// before its callback fires.
const DefaultDebounce = 400 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Root is the directory to watch recursively. Created if missing.
	Root string
	// Match filters paths; nil accepts every file.
	Match func(path string) bool
	// OnChange is called, from a timer goroutine, for each settled file.
	OnChange func(ctx context.Context, path string)
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
	// SyncExisting reports files already under Root when Run starts.
	SyncExisting bool
	// Logger receives watcher events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Watcher delivers debounced file change notifications for one root.
type Watcher struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New validates cfg and returns a Watcher. Nothing is watched until Run.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("watcher: root must not be empty")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("watcher: OnChange must not be nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		log:     log.With(slog.String("component", "watcher"), slog.String("root", cfg.Root)),
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is cancelled. Pending callbacks are cancelled and
// in-flight callbacks are awaited before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("watcher: create root: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.cfg.Root); err != nil {
		return fmt.Errorf("watcher: add %s: %w", w.cfg.Root, err)
	}
	w.log.Info("watcher started")

	if w.cfg.SyncExisting {
		w.sync(ctx, w.cfg.Root)
	}

	defer w.drain()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	w.log.Debug("watcher event", slog.String("op", ev.Op.String()), slog.String("path", ev.Name))
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addTree(fw, ev.Name); err != nil {
				w.log.Warn("watcher failed to add directory", slog.String("path", ev.Name), slog.Any("error", err))
			}
			w.sync(ctx, ev.Name)
			return
		}
		if w.matches(ev.Name) {
			w.schedule(ctx, ev.Name)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
	}
}

// addTree registers dir and every non-hidden subdirectory.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

// sync schedules every matching file under dir.
func (w *Watcher) sync(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matches(path) {
			w.schedule(ctx, path)
		}
		return nil
	})
}

func (w *Watcher) matches(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return w.cfg.Match == nil || w.cfg.Match(path)
}

// schedule (re)arms the debounce timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.log.Debug("watcher file settled", slog.String("path", path))
		w.cfg.OnChange(ctx, path)
	})
	w.pending[path] = t
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}

// drain stops pending timers and waits for running callbacks.
func (w *Watcher) drain() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
