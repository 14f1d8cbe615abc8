package config

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentVersion is the schema version written by DefaultConfig.
	CurrentVersion = "1.0.0"

	// SupportedVersions is the range of schema versions this build reads.
	SupportedVersions = ">= 1.0.0, < 2.0.0"

	// DefaultShutdownTimeout bounds a graceful scheduler shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// CheckVersion reports whether v is a schema version this build can read.
// An empty version is taken as CurrentVersion.
func CheckVersion(v string) error {
	if v == "" {
		return nil
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsupportedVersion, v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedVersion, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, version, SupportedVersions)
	}
	return nil
}
