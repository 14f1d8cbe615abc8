// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName      = errors.New("invalid application name")
	ErrInvalidEnvironment  = errors.New("invalid environment")
	ErrInvalidLogLevel     = errors.New("invalid log level")
	ErrInvalidLogFormat    = errors.New("invalid log format")
	ErrInvalidScheduler    = errors.New("invalid scheduler settings")
	ErrInvalidBackoff      = errors.New("invalid backoff settings")
	ErrUnsupportedVersion  = errors.New("unsupported configuration version")
	ErrInvalidDuration     = errors.New("invalid duration")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
