package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/najoast/nucleus/config"
	"github.com/najoast/nucleus/core"
)

// Service names registered by Application
const (
	SchedulerServiceName = "scheduler"
	WatcherServiceName   = "config-watcher"
)

// SchedulerService owns the core.Scheduler of an application
type SchedulerService struct {
	cfg    *config.Config
	logger *slog.Logger
	events core.EventSink

	mu        sync.RWMutex
	scheduler *core.Scheduler
	startedAt time.Time
}

// NewSchedulerService creates a service that builds its scheduler from cfg
// on Start. A nil events sink logs events through logger.
func NewSchedulerService(cfg *config.Config, logger *slog.Logger, events core.EventSink) *SchedulerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerService{cfg: cfg, logger: logger, events: events}
}

// Name returns the service name
func (s *SchedulerService) Name() string {
	return SchedulerServiceName
}

// Scheduler returns the running scheduler, or nil before Start
func (s *SchedulerService) Scheduler() *core.Scheduler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheduler
}

// Start creates the scheduler
func (s *SchedulerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil && !s.scheduler.IsClosed() {
		return fmt.Errorf("scheduler already running")
	}

	opts, err := s.cfg.SchedulerOptions(s.logger)
	if err != nil {
		return err
	}
	opts.Events = s.events

	sched, err := core.NewScheduler(opts)
	if err != nil {
		return err
	}
	s.scheduler = sched
	s.startedAt = time.Now()

	s.logger.Info("scheduler started",
		"max_dispatchers", opts.MaxDispatchers,
		"queue_capacity", opts.QueueCapacity,
		"lock_os_thread", opts.LockOSThread)
	return nil
}

// Stop shuts the scheduler down within the configured shutdown timeout
func (s *SchedulerService) Stop(ctx context.Context) error {
	sched := s.Scheduler()
	if sched == nil {
		return nil
	}

	if timeout := s.cfg.Scheduler.ShutdownTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status := sched.Status()
	if err := sched.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("scheduler stopped",
		"cells", status.Cells,
		"dead_letters", status.DeadLetters,
		"uptime", time.Since(s.startedAt).Round(time.Millisecond))
	return nil
}

// Health reports the scheduler status
func (s *SchedulerService) Health(ctx context.Context) (HealthStatus, error) {
	sched := s.Scheduler()
	if sched == nil {
		return HealthStatus{State: HealthStarting, Message: "scheduler not started"}, nil
	}
	if sched.IsClosed() {
		return HealthStatus{State: HealthStopped, Message: "scheduler shut down"}, nil
	}

	st := sched.Status()
	health := HealthStatus{
		State:     HealthHealthy,
		Message:   fmt.Sprintf("%d cells on %d dispatchers", st.Cells, st.Dispatchers),
		LastCheck: time.Now(),
		Data: map[string]any{
			"dispatchers":            st.Dispatchers,
			"cells":                  st.Cells,
			"isolated":               st.Isolated,
			"dead_letters":           st.DeadLetters,
			"default_queue_capacity": st.DefaultQueueCapacity,
			"uptime":                 time.Since(s.startedAt).String(),
		},
	}
	if st.Isolated > 0 {
		health.State = HealthUnhealthy
		health.Message = fmt.Sprintf("%d dispatchers isolated by blocked senders", st.Isolated)
	}
	return health, nil
}

// WatcherService reloads the configuration file and pushes the settings
// that can change at runtime into the scheduler.
type WatcherService struct {
	file     string
	loader   *config.Loader
	logger   *slog.Logger
	debounce time.Duration
	target   *SchedulerService

	mu       sync.RWMutex
	watcher  *config.Watcher
	reloads  int
	lastErr  error
	onReload []config.ReloadFunc
}

// NewWatcherService creates a service watching file. Reloaded settings are
// applied to the scheduler of target.
func NewWatcherService(file string, loader *config.Loader, target *SchedulerService, logger *slog.Logger) *WatcherService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatcherService{
		file:     file,
		loader:   loader,
		logger:   logger,
		debounce: config.DefaultDebounce,
		target:   target,
	}
}

// SetDebounce sets the quiet period before a reload. Call before Start.
func (w *WatcherService) SetDebounce(d time.Duration) {
	w.debounce = d
}

// OnReload registers a function run after each successful reload.
// Call before Start.
func (w *WatcherService) OnReload(fn config.ReloadFunc) {
	w.onReload = append(w.onReload, fn)
}

// Name returns the service name
func (w *WatcherService) Name() string {
	return WatcherServiceName
}

// Config returns the most recently loaded configuration, or nil before Start
func (w *WatcherService) Config() *config.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Current()
}

// Start loads the file and begins watching it
func (w *WatcherService) Start(ctx context.Context) error {
	opts := []config.WatcherOption{
		config.WithLogger(w.logger),
		config.WithDebounce(w.debounce),
		config.OnReload(w.apply),
	}
	for _, fn := range w.onReload {
		opts = append(opts, config.OnReload(fn))
	}
	watcher, err := config.NewWatcher(w.file, w.loader, opts...)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		_ = watcher.Stop()
		return err
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()
	return nil
}

func (w *WatcherService) apply(_, newConfig *config.Config) {
	var err error
	if sched := w.target.Scheduler(); sched != nil {
		err = newConfig.ApplyTo(sched)
	}

	w.mu.Lock()
	w.reloads++
	w.lastErr = err
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("reloaded config not applied", "file", w.file, "error", err)
	}
}

// Stop stops watching the file
func (w *WatcherService) Stop(ctx context.Context) error {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}

// Health reports the number of reloads and the last apply error
func (w *WatcherService) Health(ctx context.Context) (HealthStatus, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.watcher == nil {
		return HealthStatus{State: HealthStopped, Message: "not watching"}, nil
	}
	health := HealthStatus{
		State:     HealthHealthy,
		Message:   "watching " + w.file,
		LastCheck: time.Now(),
		Data:      map[string]any{"file": w.file, "reloads": w.reloads},
	}
	if w.lastErr != nil {
		health.State = HealthUnhealthy
		health.Message = w.lastErr.Error()
	}
	return health, nil
}
