package future

import "errors"

var (
	// ErrTimeout is the synthetic error of a timed out future. It is never
	// produced by a handler; test for it with IsTimeout or errors.Is.
	ErrTimeout = errors.New("future: timed out")

	// ErrAlreadyCompleted is returned when a fulfilled or failed future is
	// completed a second time.
	ErrAlreadyCompleted = errors.New("future: already completed")

	// ErrContinuationRegistered is reported when a second continuation is
	// attached to a future.
	ErrContinuationRegistered = errors.New("future: continuation already registered")
)

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
