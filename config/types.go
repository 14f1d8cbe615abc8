// Package config provides configuration management for nucleus applications
package config

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/najoast/nucleus/backoff"
	"github.com/najoast/nucleus/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Level returns the slog level for l
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config represents the complete nucleus configuration
type Config struct {
	// Version is the schema version of the configuration file
	Version string `yaml:"version" json:"version"`

	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Wait policy of dispatchers and blocked senders
	Backoff BackoffConfig `yaml:"backoff" json:"backoff"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`

	// Application description
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include the source position of log calls
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// SchedulerConfig contains dispatcher and cell placement settings
type SchedulerConfig struct {
	// Maximum number of dispatcher threads, 0 for one per CPU
	MaxDispatchers int `yaml:"max_dispatchers" json:"max_dispatchers"`

	// Default capacity of each cell queue
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// Load below which a dispatcher accepts new cells
	AssignLoad int `yaml:"assign_load" json:"assign_load"`

	// Queue fill percentage that triggers a rebalance
	RebalanceLoad int `yaml:"rebalance_load" json:"rebalance_load"`

	// Period of the load check
	TickInterval Duration `yaml:"tick_interval" json:"tick_interval"`

	// Minimum dispatcher age before it rebalances
	RebalanceDelay Duration `yaml:"rebalance_delay" json:"rebalance_delay"`

	// Let idle dispatchers terminate
	AutoShutdown bool `yaml:"auto_shutdown" json:"auto_shutdown"`

	// Minimum uptime before an idle dispatcher retires
	IdleShutdownAfter Duration `yaml:"idle_shutdown_after" json:"idle_shutdown_after"`

	// Blocking time before a warning is emitted
	BlockedWarnAfter Duration `yaml:"blocked_warn_after" json:"blocked_warn_after"`

	// Failed offers before a blocked callback enqueue drains its target inline
	InlineDrainThreshold int `yaml:"inline_drain_threshold" json:"inline_drain_threshold"`

	// Bound on nested inline draining
	MaxInlineDepth int `yaml:"max_inline_depth" json:"max_inline_depth"`

	// Concurrently running blocking calls
	BlockingPoolSize int `yaml:"blocking_pool_size" json:"blocking_pool_size"`

	// Dead letters retained for inspection
	DeadLetterCapacity int `yaml:"dead_letter_capacity" json:"dead_letter_capacity"`

	// Pin dispatcher runners to OS threads
	LockOSThread bool `yaml:"lock_os_thread" json:"lock_os_thread"`

	// Time allowed for a graceful shutdown
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// BackoffConfig contains the tier lengths of the wait policy
type BackoffConfig struct {
	SpinIterations  int      `yaml:"spin_iterations" json:"spin_iterations"`
	YieldIterations int      `yaml:"yield_iterations" json:"yield_iterations"`
	ParkIterations  int      `yaml:"park_iterations" json:"park_iterations"`
	ParkShort       Duration `yaml:"park_short" json:"park_short"`
	ParkLong        Duration `yaml:"park_long" json:"park_long"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	opts := core.DefaultSchedulerOptions()
	bo := backoff.DefaultConfig()

	return &Config{
		Version: CurrentVersion,
		App: AppConfig{
			Name:        "nucleus",
			Environment: EnvDevelopment,
			Description: "nucleus cell runtime",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Scheduler: SchedulerConfig{
			MaxDispatchers:       0,
			QueueCapacity:        opts.QueueCapacity,
			AssignLoad:           opts.AssignLoad,
			RebalanceLoad:        opts.RebalanceLoad,
			TickInterval:         Duration(opts.TickInterval),
			RebalanceDelay:       Duration(opts.RebalanceDelay),
			AutoShutdown:         opts.AutoShutdown,
			IdleShutdownAfter:    Duration(opts.IdleShutdownAfter),
			BlockedWarnAfter:     Duration(opts.BlockedWarnAfter),
			InlineDrainThreshold: opts.InlineDrainThreshold,
			MaxInlineDepth:       opts.MaxInlineDepth,
			BlockingPoolSize:     opts.BlockingPoolSize,
			DeadLetterCapacity:   opts.DeadLetterCapacity,
			LockOSThread:         opts.LockOSThread,
			ShutdownTimeout:      Duration(DefaultShutdownTimeout),
		},
		Backoff: BackoffConfig{
			SpinIterations:  bo.SpinIterations,
			YieldIterations: bo.YieldIterations,
			ParkIterations:  bo.ParkIterations,
			ParkShort:       Duration(bo.ParkShort),
			ParkLong:        Duration(bo.ParkLong),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := CheckVersion(c.Version); err != nil {
		return err
	}

	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	// Validate scheduler config
	if c.Scheduler.MaxDispatchers < 0 {
		return fmt.Errorf("%w: max_dispatchers must not be negative", ErrInvalidScheduler)
	}
	if _, err := c.Backoff.Policy(); err != nil {
		return err
	}
	if _, err := c.SchedulerOptions(nil); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScheduler, err)
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}

// Policy builds the backoff policy described by b
func (b BackoffConfig) Policy() (*backoff.Policy, error) {
	p, err := backoff.NewPolicy(backoff.Config{
		SpinIterations:  b.SpinIterations,
		YieldIterations: b.YieldIterations,
		ParkIterations:  b.ParkIterations,
		ParkShort:       b.ParkShort.Std(),
		ParkLong:        b.ParkLong.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBackoff, err)
	}
	return p, nil
}

// SchedulerOptions converts the configuration into scheduler options
func (c *Config) SchedulerOptions(logger *slog.Logger) (core.SchedulerOptions, error) {
	policy, err := c.Backoff.Policy()
	if err != nil {
		return core.SchedulerOptions{}, err
	}

	sc := c.Scheduler
	maxDispatchers := sc.MaxDispatchers
	if maxDispatchers == 0 {
		maxDispatchers = runtime.NumCPU()
	}

	opts := core.SchedulerOptions{
		MaxDispatchers:       maxDispatchers,
		QueueCapacity:        sc.QueueCapacity,
		AssignLoad:           sc.AssignLoad,
		RebalanceLoad:        sc.RebalanceLoad,
		TickInterval:         sc.TickInterval.Std(),
		RebalanceDelay:       sc.RebalanceDelay.Std(),
		AutoShutdown:         sc.AutoShutdown,
		IdleShutdownAfter:    sc.IdleShutdownAfter.Std(),
		BlockedWarnAfter:     sc.BlockedWarnAfter.Std(),
		InlineDrainThreshold: sc.InlineDrainThreshold,
		MaxInlineDepth:       sc.MaxInlineDepth,
		BlockingPoolSize:     sc.BlockingPoolSize,
		DeadLetterCapacity:   sc.DeadLetterCapacity,
		LockOSThread:         sc.LockOSThread,
		Backoff:              policy,
		Logger:               logger,
	}
	if err := opts.Validate(); err != nil {
		return core.SchedulerOptions{}, err
	}
	return opts, nil
}

// ApplyTo pushes the settings that can change at runtime into a running
// scheduler.
func (c *Config) ApplyTo(s *core.Scheduler) error {
	policy, err := c.Backoff.Policy()
	if err != nil {
		return err
	}
	s.SetBackoff(policy)
	s.SetBlockedWarnAfter(c.Scheduler.BlockedWarnAfter.Std())
	return nil
}
