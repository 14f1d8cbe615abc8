package core

import (
	"fmt"

	"github.com/najoast/nucleus/future"
)

// Handler processes the messages of one cell. Receive is never called
// concurrently for the same cell.
//
// A non-nil future is piped into the caller's result; a nil future with a
// nil error fulfils the caller with nil. A returned error or a panic becomes
// a *HandlerError.
type Handler interface {
	Receive(ctx *Context, env *Envelope) (*future.Future, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *Context, env *Envelope) (*future.Future, error)

// Receive calls f(ctx, env).
func (f HandlerFunc) Receive(ctx *Context, env *Envelope) (*future.Future, error) {
	return f(ctx, env)
}

// Method handles one message variant.
type Method func(ctx *Context, args []any) (*future.Future, error)

// Methods is a Handler that dispatches on the envelope's method.
type Methods map[MethodID]Method

// Receive calls the method registered for env.Method().
func (m Methods) Receive(ctx *Context, env *Envelope) (*future.Future, error) {
	fn, ok := m[env.Method()]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", env.Method())
	}
	return fn(ctx, env.Args())
}

// Initializer is implemented by handlers that need setup inside their cell.
// Init runs before any other message.
type Initializer interface {
	Init(ctx *Context) error
}

// Finalizer is implemented by handlers that release resources on stop.
// Deinit runs inside the cell before stop listeners are notified.
type Finalizer interface {
	Deinit(ctx *Context)
}
