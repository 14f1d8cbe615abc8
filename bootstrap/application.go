package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/nucleus/config"
	"github.com/najoast/nucleus/core"
)

// Application runs a scheduler and its supporting services
type Application struct {
	// config is the configuration the application was built with
	config *config.Config

	// lifecycle manages service lifecycles
	lifecycle *DefaultLifecycleManager

	scheduler *SchedulerService
	watcher   *WatcherService

	logger    *slog.Logger
	logCloser io.Closer

	// mutex protects concurrent access
	mutex sync.Mutex

	// running indicates if the application is running
	running bool
}

// Config returns the current configuration. With a config file it is the
// most recently reloaded one.
func (app *Application) Config() *config.Config {
	if app.watcher != nil {
		if cfg := app.watcher.Config(); cfg != nil {
			return cfg
		}
	}
	return app.config
}

// Scheduler returns the running scheduler, or nil before Start
func (app *Application) Scheduler() *core.Scheduler {
	return app.scheduler.Scheduler()
}

// Logger returns the application logger
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// LifecycleManager returns the lifecycle manager
func (app *Application) LifecycleManager() *DefaultLifecycleManager {
	return app.lifecycle
}

// Health returns the health of every service
func (app *Application) Health(ctx context.Context) (map[string]HealthStatus, error) {
	return app.lifecycle.Health(ctx)
}

// Start starts every service in dependency order
func (app *Application) Start(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if app.running {
		return fmt.Errorf("application is already running")
	}
	if err := app.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	app.running = true

	app.logger.Info("application started",
		"app", app.config.App.Name,
		"environment", app.config.App.Environment,
		"services", app.lifecycle.Services())
	return nil
}

// Run starts the application and blocks until ctx is done or the process
// receives SIGINT or SIGTERM, then shuts it down.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	app.logger.Info("starting graceful shutdown", "reason", context.Cause(sigCtx))
	return app.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown stops every service in reverse dependency order
func (app *Application) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if !app.running {
		return nil
	}
	app.running = false

	err := app.lifecycle.Stop(ctx)
	if err != nil {
		app.logger.Error("shutdown finished with errors", "error", err)
	} else {
		app.logger.Info("application stopped")
	}

	if app.logCloser != nil {
		if cerr := app.logCloser.Close(); cerr != nil && err == nil {
			err = cerr
		}
		app.logCloser = nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop services: %w", err)
	}
	return nil
}

type pendingService struct {
	name    string
	service Service
	deps    []string
}

// ApplicationBuilder helps build and configure applications
type ApplicationBuilder struct {
	config     *config.Config
	configFile string
	loader     *config.Loader
	logger     *slog.Logger
	events     core.EventSink
	debounce   time.Duration
	services   []pendingService
	onReload   []config.ReloadFunc
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{loader: config.NewLoader()}
}

// WithConfig sets the configuration. It takes precedence over a config file
// for the initial settings.
func (b *ApplicationBuilder) WithConfig(cfg *config.Config) *ApplicationBuilder {
	b.config = cfg
	return b
}

// WithConfigFile loads configuration from a file and watches it for changes
func (b *ApplicationBuilder) WithConfigFile(filename string) *ApplicationBuilder {
	b.configFile = filename
	return b
}

// WithLoader replaces the configuration loader
func (b *ApplicationBuilder) WithLoader(loader *config.Loader) *ApplicationBuilder {
	if loader != nil {
		b.loader = loader
	}
	return b
}

// WithLogger sets the logger instead of building one from the log config
func (b *ApplicationBuilder) WithLogger(logger *slog.Logger) *ApplicationBuilder {
	b.logger = logger
	return b
}

// WithEvents sets the sink for scheduler events
func (b *ApplicationBuilder) WithEvents(sink core.EventSink) *ApplicationBuilder {
	b.events = sink
	return b
}

// WithReloadDebounce sets the quiet period before a changed config file is
// reloaded
func (b *ApplicationBuilder) WithReloadDebounce(d time.Duration) *ApplicationBuilder {
	b.debounce = d
	return b
}

// OnConfigReload registers a callback run after each config file reload
func (b *ApplicationBuilder) OnConfigReload(fn config.ReloadFunc) *ApplicationBuilder {
	b.onReload = append(b.onReload, fn)
	return b
}

// WithService registers an extra service. It always starts after the
// scheduler.
func (b *ApplicationBuilder) WithService(name string, service Service, deps ...string) *ApplicationBuilder {
	b.services = append(b.services, pendingService{name: name, service: service, deps: deps})
	return b
}

// Build builds the configured application
func (b *ApplicationBuilder) Build() (*Application, error) {
	cfg, err := b.loadConfig()
	if err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	app := &Application{config: cfg, logger: b.logger}
	if app.logger == nil {
		logger, closer, err := config.NewLogger(cfg.Log)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		app.logger, app.logCloser = logger, closer
	}
	app.logger = app.logger.With("app", cfg.App.Name)
	app.lifecycle = NewLifecycleManager(app.logger)

	app.scheduler = NewSchedulerService(cfg, app.logger, b.events)
	if err := app.lifecycle.Register(SchedulerServiceName, app.scheduler); err != nil {
		return nil, err
	}

	if b.configFile != "" {
		app.watcher = NewWatcherService(b.configFile, b.loader, app.scheduler, app.logger)
		if b.debounce > 0 {
			app.watcher.SetDebounce(b.debounce)
		}
		for _, fn := range b.onReload {
			app.watcher.OnReload(fn)
		}
		if err := app.lifecycle.Register(WatcherServiceName, app.watcher, SchedulerServiceName); err != nil {
			return nil, err
		}
	}

	for _, ps := range b.services {
		deps := append([]string{SchedulerServiceName}, ps.deps...)
		if err := app.lifecycle.Register(ps.name, ps.service, deps...); err != nil {
			return nil, &ApplicationError{Operation: "register", Service: ps.name, Err: err}
		}
	}
	return app, nil
}

func (b *ApplicationBuilder) loadConfig() (*config.Config, error) {
	switch {
	case b.config != nil:
		if err := b.config.Validate(); err != nil {
			return nil, err
		}
		return b.config, nil
	case b.configFile != "":
		return b.loader.LoadFromFile(b.configFile)
	default:
		return b.loader.Load("")
	}
}
