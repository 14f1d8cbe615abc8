package core

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned when a message targets a stopped cell. The
	// message is recorded as a dead letter.
	ErrStopped = errors.New("target cell stopped")

	// ErrBlocked is returned when a throw-on-block sender hits a full queue.
	ErrBlocked = errors.New("target queue full")

	// ErrSchedulerClosed is returned once the scheduler is shutting down.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrInvalidOptions is wrapped by option validation failures.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrNilHandler is returned when a cell is spawned without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")
)

func invalidOption(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
}

// HandlerError reports a handler that returned an error or panicked.
type HandlerError struct {
	// Cell is the name of the failing cell
	Cell string

	// Method is the message being handled
	Method MethodID

	// Panic holds the recovered value when the handler panicked
	Panic any

	// Err is the handler's error, or the recovered panic with its stack
	Err error
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s.%s panicked: %v", e.Cell, e.Method, e.Panic)
	}
	return fmt.Sprintf("handler %s.%s failed: %v", e.Cell, e.Method, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// stopUnwind is raised by a cell stopping itself and recovered by the
// dispatcher executing it.
type stopUnwind struct {
	cell *Cell
}

var errStopUnwind = errors.New("cell stop unwind")
