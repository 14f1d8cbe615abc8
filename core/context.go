package core

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/najoast/nucleus/future"
)

type contextKey struct{}

// Context is passed to every handler invocation. It identifies the running
// cell and its dispatcher, and it is the sender of every message sent
// through it. A Context must not be used after the handler returns or from
// goroutines the handler starts; outside its handler it degrades to a plain
// context with no sender.
type Context struct {
	context.Context

	dispatcher *Dispatcher
	self       *Cell
	env        *Envelope

	live atomic.Bool
	// innermost is set while this handler frame is the one the runner executes
	innermost atomic.Bool
}

func (d *Dispatcher) newContext(self *Cell, env *Envelope) *Context {
	c := &Context{dispatcher: d, self: self, env: env}
	c.Context = future.WithYielder(d.scheduler.ctx, c)
	c.live.Store(true)
	return c
}

// Value returns the Context itself for the runtime's lookup key and defers
// to the parent otherwise.
func (c *Context) Value(key any) any {
	if key == (contextKey{}) {
		return c
	}
	return c.Context.Value(key)
}

// contextFrom returns the live handler Context carried by ctx.
func contextFrom(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(contextKey{}).(*Context)
	if c == nil || !c.live.Load() {
		return nil
	}
	return c
}

func senderFrom(ctx context.Context) *Cell {
	if c := contextFrom(ctx); c != nil {
		return c.self
	}
	return nil
}

// Self returns the cell whose handler is running.
func (c *Context) Self() *Cell { return c.self }

// Sender returns the cell that sent the current message, nil when it came
// from outside the runtime.
func (c *Context) Sender() *Cell { return c.env.sender }

// Envelope returns the message being handled.
func (c *Context) Envelope() *Envelope { return c.env }

// Dispatcher returns the dispatcher running the handler.
func (c *Context) Dispatcher() *Dispatcher { return c.dispatcher }

// Scheduler returns the scheduler of the running cell.
func (c *Context) Scheduler() *Scheduler { return c.dispatcher.scheduler }

// Logger returns the scheduler's logger annotated with the running cell.
func (c *Context) Logger() *slog.Logger {
	return c.dispatcher.scheduler.logger.With("cell", c.self.name)
}

// Yield suspends the handler until ready reports true. The dispatcher keeps
// serving its other cells meanwhile. It implements future.Yielder, so
// Await on a Context is cooperative.
func (c *Context) Yield(ready func() bool) {
	if !c.live.Load() {
		policy := c.dispatcher.scheduler.Backoff()
		for i := 0; !ready(); i++ {
			policy.Wait(i)
		}
		return
	}
	c.dispatcher.yield(ready)
}

// Tell sends a one-way message to target.
func (c *Context) Tell(target *Cell, method MethodID, args ...any) error {
	return target.Tell(c, method, args...)
}

// Call sends a message to target and returns a future for its result. The
// result is delivered inside the running cell.
func (c *Context) Call(target *Cell, method MethodID, args ...any) *future.Future {
	return target.Call(c, method, args...)
}

// Spawn creates a cell on the running cell's dispatcher.
func (c *Context) Spawn(handler Handler, opts CellOptions) (*Cell, error) {
	return c.dispatcher.scheduler.spawn(handler, opts, c.dispatcher)
}

// Stop stops the running cell and unwinds the current handler. Messages
// still queued become dead letters. Called from anywhere but the handler's
// own frame, for instance a continuation that captured the Context, it
// queues the stop instead and returns.
func (c *Context) Stop() {
	if !c.innermost.Load() {
		if err := c.self.Stop(context.Background()); err != nil {
			c.dispatcher.scheduler.logger.Debug("stop request dropped", "cell", c.self.name, "error", err)
		}
		return
	}
	c.self.halt(c)
}

// Delayed runs fn inside the running cell after d.
func (c *Context) Delayed(d time.Duration, fn func(ctx *Context)) {
	s := c.dispatcher.scheduler
	self := c.self
	s.Delay(d, func() {
		if err := s.enqueue(s.ctx, callbackEnvelope(self, fn)); err != nil {
			s.logger.Debug("delayed call dropped", "cell", self.name, "error", err)
		}
	})
}

// Exec runs fn on the blocking pool. The returned future settles inside
// the running cell.
func (c *Context) Exec(fn func() (any, error)) *future.Future {
	return c.dispatcher.scheduler.RunBlocking(c.self, fn)
}

// InCell wraps fn so that it runs inside the running cell, whichever
// goroutine completes the future it is attached to.
func (c *Context) InCell(fn future.Signal) future.Signal {
	s := c.dispatcher.scheduler
	self := c.self
	return func(ctx context.Context, value any, err error) {
		env := callbackEnvelope(self, func(inner *Context) { fn(inner, value, err) })
		if qerr := s.enqueue(ctx, env); qerr != nil {
			s.logger.Debug("callback dropped", "cell", self.name, "error", qerr)
		}
	}
}

// TimeoutIn expires f after d using the scheduler's timers.
func (c *Context) TimeoutIn(f *future.Future, d time.Duration) *future.Future {
	return f.TimeoutIn(d, c.dispatcher.scheduler)
}
