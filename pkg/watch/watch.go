// Package watch reloads a definitions directory when its files change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrRunning is returned when Watch is called on a watcher that is already
// running.
var ErrRunning = errors.New("watcher already running")

// Config configures a Watcher.
type Config struct {
	// Dir is the directory to watch. Subdirectories are not watched.
	Dir string

	// Debounce is the quiet period after the last event before reloading.
	Debounce time.Duration

	// Extensions lists the file extensions that trigger a reload.
	Extensions []string
}

// DefaultConfig returns the configuration used for definition directories.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		Debounce:   100 * time.Millisecond,
		Extensions: []string{".yaml", ".yml", ".json"},
	}
}

// Watcher watches a directory and calls a reload function after changes
// settle.
type Watcher struct {
	fsw      *fsnotify.Watcher
	cfg      Config
	logger   *slog.Logger
	debounce *Debouncer

	mu      sync.Mutex
	running bool
}

// New creates a watcher for cfg.Dir. The directory must exist.
func New(cfg Config, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig(cfg.Dir).Debounce
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultConfig(cfg.Dir).Extensions
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", cfg.Dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		fsw:      fsw,
		cfg:      cfg,
		logger:   logger,
		debounce: NewDebouncer(cfg.Debounce),
	}, nil
}

// Watch processes file events until ctx is cancelled, calling reload once
// per burst of relevant events. Reload errors are logged and watching
// continues. The watcher is closed when Watch returns.
func (w *Watcher) Watch(ctx context.Context, reload func() error) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrRunning
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.debounce.Stop()
		w.fsw.Close()
	}()

	w.logger.Info("watching definitions directory",
		"dir", w.cfg.Dir,
		"debounce_ms", w.cfg.Debounce.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("definitions watcher stopped")
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("definition file event", "path", event.Name, "op", event.Op.String())

			w.debounce.Trigger(func() {
				w.logger.Info("reloading definitions", "dir", w.cfg.Dir)
				if err := reload(); err != nil {
					w.logger.Error("reload failed", "error", err)
				}
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range w.cfg.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Debouncer runs the most recently triggered callback once no new trigger
// has arrived for the interval.
type Debouncer struct {
	interval time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

// NewDebouncer creates a debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	cb := d.callback
	d.callback = nil
	stopped := d.stopped
	d.mu.Unlock()

	if cb != nil && !stopped {
		cb()
	}
}

// Stop cancels any pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
