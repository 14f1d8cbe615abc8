// Package backoff maps an idle or blocked iteration counter to a wait action.
//
// Callers that poll a queue keep a counter of consecutive misses and ask the
// Policy what to do next. The counter escalates through four tiers: spin,
// yield, short park and long park. Resetting the counter on a hit returns the
// caller to the hot spinning tier.
package backoff

import (
	"fmt"
	"runtime"
	"time"
)

// Action is the wait performed for a given counter value.
type Action int

const (
	// ActionSpin returns immediately so the caller retries at once.
	ActionSpin Action = iota

	// ActionYield gives up the processor to other goroutines.
	ActionYield

	// ActionParkShort sleeps for the short park duration.
	ActionParkShort

	// ActionParkLong sleeps for the long park duration.
	ActionParkLong
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionSpin:
		return "spin"
	case ActionYield:
		return "yield"
	case ActionParkShort:
		return "park-short"
	case ActionParkLong:
		return "park-long"
	default:
		return "unknown"
	}
}

const (
	// DefaultSpinIterations is the number of misses spent spinning.
	DefaultSpinIterations = 100

	// DefaultYieldIterations is the number of misses spent yielding after spinning.
	DefaultYieldIterations = 100

	// DefaultParkIterations is the number of misses spent in short parks before sleeping.
	DefaultParkIterations = 10

	// DefaultParkShort is the duration of a short park.
	DefaultParkShort = time.Microsecond

	// DefaultParkLong is the duration of a long park.
	DefaultParkLong = time.Millisecond
)

// Policy is an immutable set of tier thresholds. The zero value is not
// usable; use DefaultPolicy or NewPolicy.
type Policy struct {
	// yieldAfter is the first counter value that yields
	yieldAfter int

	// parkAfter is the first counter value that parks briefly
	parkAfter int

	// sleepAfter is the first counter value that parks for the long duration
	sleepAfter int

	parkShort time.Duration
	parkLong  time.Duration
}

// Config describes a Policy in tier lengths.
type Config struct {
	// SpinIterations is how many misses spin before yielding
	SpinIterations int `yaml:"spin_iterations" json:"spin_iterations"`

	// YieldIterations is how many misses yield before parking
	YieldIterations int `yaml:"yield_iterations" json:"yield_iterations"`

	// ParkIterations is how many misses park briefly before sleeping
	ParkIterations int `yaml:"park_iterations" json:"park_iterations"`

	// ParkShort is the duration of a short park
	ParkShort time.Duration `yaml:"park_short" json:"park_short"`

	// ParkLong is the duration of a long park
	ParkLong time.Duration `yaml:"park_long" json:"park_long"`
}

// DefaultConfig returns the tier lengths used by DefaultPolicy.
func DefaultConfig() Config {
	return Config{
		SpinIterations:  DefaultSpinIterations,
		YieldIterations: DefaultYieldIterations,
		ParkIterations:  DefaultParkIterations,
		ParkShort:       DefaultParkShort,
		ParkLong:        DefaultParkLong,
	}
}

// Validate reports whether the tier lengths describe a usable policy.
func (c Config) Validate() error {
	if c.SpinIterations < 0 || c.YieldIterations < 0 || c.ParkIterations < 0 {
		return fmt.Errorf("backoff: tier lengths must not be negative")
	}
	if c.ParkShort <= 0 || c.ParkLong <= 0 {
		return fmt.Errorf("backoff: park durations must be positive")
	}
	if c.ParkShort > c.ParkLong {
		return fmt.Errorf("backoff: short park %v exceeds long park %v", c.ParkShort, c.ParkLong)
	}
	return nil
}

// NewPolicy builds a Policy from tier lengths.
func NewPolicy(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		yieldAfter: cfg.SpinIterations,
		parkShort:  cfg.ParkShort,
		parkLong:   cfg.ParkLong,
	}
	p.parkAfter = p.yieldAfter + cfg.YieldIterations
	p.sleepAfter = p.parkAfter + cfg.ParkIterations
	return p, nil
}

// DefaultPolicy returns a policy with the default tier lengths.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(DefaultConfig())
	return p
}

// Action returns the wait action for count. Negative counts are treated as
// an explicit request to sleep.
func (p *Policy) Action(count int) Action {
	switch {
	case count < 0 || count > p.sleepAfter:
		return ActionParkLong
	case count > p.parkAfter:
		return ActionParkShort
	case count > p.yieldAfter:
		return ActionYield
	default:
		return ActionSpin
	}
}

// Wait performs the action for count.
func (p *Policy) Wait(count int) {
	switch p.Action(count) {
	case ActionYield:
		runtime.Gosched()
	case ActionParkShort:
		time.Sleep(p.parkShort)
	case ActionParkLong:
		time.Sleep(p.parkLong)
	}
}

// IsYielding reports whether count has left the spinning tier.
func (p *Policy) IsYielding(count int) bool {
	return count > p.yieldAfter
}

// IsSleeping reports whether count has reached the long park tier.
func (p *Policy) IsSleeping(count int) bool {
	return count > p.sleepAfter
}

// Config returns the tier lengths of the policy.
func (p *Policy) Config() Config {
	return Config{
		SpinIterations:  p.yieldAfter,
		YieldIterations: p.parkAfter - p.yieldAfter,
		ParkIterations:  p.sleepAfter - p.parkAfter,
		ParkShort:       p.parkShort,
		ParkLong:        p.parkLong,
	}
}
