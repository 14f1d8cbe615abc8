package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"
)

// DefaultDebounce is the quiet period after a file event before reloading
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the replaced and the freshly loaded configuration.
type ReloadFunc func(prev, next *Config)

// WatcherOption customizes a Watcher
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger for reload reports
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// OnReload adds fn to the functions run after each successful reload, in
// registration order.
func OnReload(fn ReloadFunc) WatcherOption {
	return func(w *Watcher) { w.onReload = append(w.onReload, fn) }
}

// Watcher keeps the configuration loaded from one file current. Edits are
// coalesced over the debounce period; a file that fails to load leaves the
// previous configuration in place.
type Watcher struct {
	path     string
	loader   *Loader
	logger   *slog.Logger
	debounce time.Duration
	onReload []ReloadFunc

	current atomic.Pointer[Config]

	fs   *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewWatcher loads path and prepares to watch it. Nothing is watched until
// Start.
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if _, err := FormatOf(path); err != nil {
		return nil, err
	}
	if loader == nil {
		loader = NewLoader()
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		loader:   loader,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := loader.LoadFromFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", w.path, err)
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Start watches the directory holding the file, so that editors that
// replace the file rather than write it are noticed too.
func (w *Watcher) Start() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		_ = fs.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.fs = fs

	go w.loop()
	return nil
}

// Stop ends watching and waits for a reload in progress. Stop without
// Start is a no-op.
func (w *Watcher) Stop() error {
	if w.fs == nil {
		return nil
	}
	close(w.stop)
	<-w.done
	err := w.fs.Close()
	w.fs = nil
	return err
}

// Reload loads the file now and runs the reload functions on success.
func (w *Watcher) Reload() error {
	next, err := w.loader.LoadFromFile(w.path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", w.path, err)
	}

	prev := w.current.Swap(next)
	for _, fn := range w.onReload {
		w.notify(fn, prev, next)
	}
	w.logger.Info("configuration reloaded", "file", w.path)
	return nil
}

func (w *Watcher) notify(fn ReloadFunc, prev, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config reload function panicked", "file", w.path, "panic", r)
		}
	}()
	fn(prev, next)
}

func (w *Watcher) loop() {
	defer close(w.done)

	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	const changed = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&changed != 0 {
				quiet.Reset(w.debounce)
			}
		case <-quiet.C:
			if err := w.Reload(); err != nil {
				w.logger.Warn("config reload failed", "error", err)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "file", w.path, "error", err)
		}
	}
}
