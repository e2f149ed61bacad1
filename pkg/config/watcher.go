package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is the quiet period before a changed file is
// reloaded.
const DefaultDebounceInterval = 100 * time.Millisecond

// ErrWatcherRunning is returned by Watch when the watcher already runs.
var ErrWatcherRunning = errors.New("watcher already running")

// Watcher reloads the configuration file when it changes and hands the new
// configuration to a callback. The parent directory is watched so that
// editors replacing the file by rename are noticed.
type Watcher struct {
	path     string
	interval time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// NewWatcher creates a watcher for the configuration file at path.
// A non-positive interval selects DefaultDebounceInterval.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		interval: interval,
		watcher:  w,
		logger:   logger,
	}, nil
}

// Watch blocks until ctx is cancelled. After every burst of changes the file
// is reloaded into the global configuration; onChange is called with the
// new configuration when that succeeds. A failed reload keeps the previous
// configuration.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherRunning
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		w.watcher.Close()
	}()

	w.logger.Info("configuration watcher started",
		"path", w.path,
		"debounce_ms", w.interval.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("configuration watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("configuration file event", "path", event.Name, "op", event.Op.String())
			w.schedule(func() { w.reload(onChange) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("configuration watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

func (w *Watcher) schedule(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.interval, fn)
}

func (w *Watcher) reload(onChange func(*Config)) {
	if err := ReloadConfig(w.path); err != nil {
		w.logger.Error("configuration reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("configuration reloaded", "path", w.path)
	if onChange != nil {
		onChange(GetConfig())
	}
}
