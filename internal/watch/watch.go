// Package watch reloads the configuration when its file changes.
package watch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event before reloading
const DefaultDebounce = 100 * time.Millisecond

// Watcher watches a single file. Editors often replace files instead of
// writing them in place, so the parent directory is watched and events are
// filtered by name.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce *debouncer
}

// New creates a watcher for path
func New(path string, delay time.Duration, logger *slog.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger.With("component", "watch"),
		debounce: &debouncer{delay: delay},
	}
}

// Watch blocks until ctx is cancelled, calling onChange after the file was
// written, created, renamed or removed. Errors from onChange are logged.
func (w *Watcher) Watch(ctx context.Context, onChange func() error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	defer w.debounce.stop()

	w.logger.Info("watching config file", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			w.logger.Debug("config file event", "op", event.Op.String())
			w.debounce.trigger(func() {
				if err := onChange(); err != nil {
					w.logger.Error("config reload failed", "error", err)
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// debouncer runs the last triggered callback once no trigger arrived for delay
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
	stopped  bool
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
