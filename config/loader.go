// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// FormatOf returns the format implied by a file extension
func FormatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Environment lookup, os.LookupEnv unless replaced
	lookupEnv func(string) (string, bool)

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/nucleus"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".nucleus"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     "NUCLEUS",
		lookupEnv:     os.LookupEnv,
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetEnvLookup replaces the environment lookup
func (l *Loader) SetEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// defaults returns a private copy of the default configuration
func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	c := *l.defaultConfig
	c.App.Metadata = maps.Clone(c.App.Metadata)
	return &c
}

// Load loads configuration from the specified file, or from defaults and
// the environment when filename is empty
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := l.defaults()
	if err := parseConfig(data, format, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config := l.defaults()
	if err := parseConfig(data, format, config); err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finish applies environment overrides and validates
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"nucleus.yaml", "nucleus.yml",
		"config.yaml", "config.yml",
		"nucleus.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

// parseConfig decodes data over config, so absent keys keep their values
func parseConfig(data []byte, format ConfigFormat, config *Config) error {
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("%w: YAML: %w", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("%w: JSON: %w", ErrConfigParseError, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// envReader collects override errors while reading variables
type envReader struct {
	prefix string
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(r.prefix + "_" + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) fail(key, val string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s_%s=%q: %w", ErrEnvironmentVarError, r.prefix, key, val, err))
}

func (r *envReader) strVar(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) intVar(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) boolVar(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) durationVar(key string, dst *Duration) {
	if v, ok := r.get(key); ok {
		d, err := parseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := &envReader{prefix: l.envPrefix, lookup: lookup}

	// App configuration
	r.strVar("APP_NAME", &config.App.Name)
	if v, ok := r.get("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(v)
	}
	r.boolVar("APP_DEBUG", &config.App.Debug)

	// Log configuration
	if v, ok := r.get("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(v))
	}
	r.strVar("LOG_FORMAT", &config.Log.Format)
	r.strVar("LOG_OUTPUT", &config.Log.Output)

	// Scheduler configuration
	s := &config.Scheduler
	r.intVar("SCHEDULER_MAX_DISPATCHERS", &s.MaxDispatchers)
	r.intVar("SCHEDULER_QUEUE_CAPACITY", &s.QueueCapacity)
	r.intVar("SCHEDULER_ASSIGN_LOAD", &s.AssignLoad)
	r.intVar("SCHEDULER_REBALANCE_LOAD", &s.RebalanceLoad)
	r.durationVar("SCHEDULER_TICK_INTERVAL", &s.TickInterval)
	r.boolVar("SCHEDULER_AUTO_SHUTDOWN", &s.AutoShutdown)
	r.durationVar("SCHEDULER_IDLE_SHUTDOWN_AFTER", &s.IdleShutdownAfter)
	r.durationVar("SCHEDULER_BLOCKED_WARN_AFTER", &s.BlockedWarnAfter)
	r.intVar("SCHEDULER_BLOCKING_POOL_SIZE", &s.BlockingPoolSize)
	r.boolVar("SCHEDULER_LOCK_OS_THREAD", &s.LockOSThread)
	r.durationVar("SCHEDULER_SHUTDOWN_TIMEOUT", &s.ShutdownTimeout)

	// Backoff configuration
	b := &config.Backoff
	r.intVar("BACKOFF_SPIN_ITERATIONS", &b.SpinIterations)
	r.intVar("BACKOFF_YIELD_ITERATIONS", &b.YieldIterations)
	r.intVar("BACKOFF_PARK_ITERATIONS", &b.ParkIterations)
	r.durationVar("BACKOFF_PARK_SHORT", &b.ParkShort)
	r.durationVar("BACKOFF_PARK_LONG", &b.ParkLong)

	return errors.Join(r.errs...)
}
