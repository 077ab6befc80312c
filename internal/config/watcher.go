package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file for changes and reloads it. Only settings
// that can change at runtime are passed on; the rest are reported as
// needing a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.RWMutex
	config   *Config
	handlers []func(*Config)
	done     chan struct{}
	once     sync.Once
}

// NewWatcher creates a watcher for path starting from cfg, the config
// already in use.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	path = expandTilde(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	// Watch the directory so editors that save via rename keep working.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	return &Watcher{
		path:    path,
		watcher: w,
		config:  cfg,
		done:    make(chan struct{}),
	}, nil
}

// Start starts watching for config file changes.
func (w *Watcher) Start() {
	go w.watch()
}

// Stop stops the config watcher. It is safe to call multiple times.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// OnReload registers a handler to be called when config is reloaded.
func (w *Watcher) OnReload(handler func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Get returns the current config.
func (w *Watcher) Get() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("failed to reload config", "path", w.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("reloaded config is invalid, keeping previous", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	prev := w.config
	w.config = cfg
	handlers := make([]func(*Config), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if fields := RestartFields(prev, cfg); len(fields) > 0 {
		slog.Warn("config changes need a restart to apply", "fields", fields)
	}

	for _, handler := range handlers {
		handler(cfg)
	}
}

// RestartFields lists the sections that differ between prev and next and
// cannot be applied while running. Log level and queue.stuck_timeout are
// live settings.
func RestartFields(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var fields []string
	if prev.Server != next.Server {
		fields = append(fields, "server")
	}
	if prev.Inject != next.Inject {
		fields = append(fields, "inject")
	}
	if prev.Queue.Depth != next.Queue.Depth {
		fields = append(fields, "queue.depth")
	}
	if !reflect.DeepEqual(prev.Hotkey, next.Hotkey) {
		fields = append(fields, "hotkey")
	}
	return fields
}
