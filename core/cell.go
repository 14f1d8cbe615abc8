package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/najoast/nucleus/future"
	"github.com/najoast/nucleus/mailbox"
)

// Cell is the runtime state of one actor: its handler, its two queues and
// the dispatcher that currently owns it. Only the owning dispatcher polls
// the queues, and only code running on that dispatcher moves the cell.
type Cell struct {
	id      uuid.UUID
	name    string
	handler Handler

	scheduler *Scheduler

	// Queues for one-way calls and for returning results
	mailbox   *mailbox.Mailbox[*Envelope]
	callbacks *mailbox.Mailbox[*Envelope]

	dispatcher atomic.Pointer[Dispatcher]

	// stopped never goes back to false
	stopped atomic.Bool

	// removed is set once the owning dispatcher dropped the cell
	removed atomic.Bool

	throwOnBlock atomic.Bool

	// running counts handler frames of this cell that are executing or suspended
	running atomic.Int32

	reapMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []func(*Cell)

	// Statistics
	processed   atomic.Uint64
	failures    atomic.Uint64
	createdAt   time.Time
	lastMessage atomic.Time
}

func newCell(s *Scheduler, handler Handler, opts CellOptions) *Cell {
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = s.opts.QueueCapacity
	}

	c := &Cell{
		id:        uuid.New(),
		name:      opts.Name,
		handler:   handler,
		scheduler: s,
		mailbox:   mailbox.New[*Envelope](capacity),
		callbacks: mailbox.New[*Envelope](capacity),
		createdAt: time.Now(),
	}
	if c.name == "" {
		c.name = fmt.Sprintf("cell-%s", c.id.String()[:8])
	}
	c.throwOnBlock.Store(opts.ThrowOnBlock)
	return c
}

// ID returns the unique identifier of the cell.
func (c *Cell) ID() string {
	return c.id.String()
}

// Name returns the human-readable name of the cell.
func (c *Cell) Name() string {
	return c.name
}

// String returns the name of the cell.
func (c *Cell) String() string {
	return c.name
}

// Handler returns the handler the cell runs.
func (c *Cell) Handler() Handler {
	return c.handler
}

// Scheduler returns the scheduler the cell belongs to.
func (c *Cell) Scheduler() *Scheduler {
	return c.scheduler
}

// Dispatcher returns the dispatcher currently owning the cell.
func (c *Cell) Dispatcher() *Dispatcher {
	return c.dispatcher.Load()
}

// Mailbox returns the queue of one-way calls. Only the owner of the cell
// may poll it.
func (c *Cell) Mailbox() *mailbox.Mailbox[*Envelope] {
	return c.mailbox
}

// Callbacks returns the queue of returning results. Only the owner of the
// cell may poll it.
func (c *Cell) Callbacks() *mailbox.Mailbox[*Envelope] {
	return c.callbacks
}

func (c *Cell) queue(q QueueClass) *mailbox.Mailbox[*Envelope] {
	if q == QueueCallback {
		return c.callbacks
	}
	return c.mailbox
}

// IsStopped reports whether the cell has stopped.
func (c *Cell) IsStopped() bool {
	return c.stopped.Load()
}

// SetThrowOnBlock selects whether sends from this cell fail with ErrBlocked
// instead of waiting on a full queue.
func (c *Cell) SetThrowOnBlock(v bool) {
	c.throwOnBlock.Store(v)
}

// ThrowOnBlock reports the throw-on-block setting.
func (c *Cell) ThrowOnBlock() bool {
	return c.throwOnBlock.Load()
}

// QueueSize returns the number of envelopes waiting in both queues.
func (c *Cell) QueueSize() int {
	return c.mailbox.Size() + c.callbacks.Size()
}

// Load returns the fill percentage of the fuller of the two queues.
func (c *Cell) Load() int {
	return max(c.mailbox.Load(), c.callbacks.Load())
}

// Tell sends a one-way message. The sender is taken from ctx when called
// from inside a handler.
func (c *Cell) Tell(ctx context.Context, method MethodID, args ...any) error {
	_, err := c.scheduler.EnqueueCall(ctx, senderFrom(ctx), c, method, args, false, false)
	return err
}

// Call sends a message and returns a future for its result. When called
// from inside a handler the result is delivered through the calling cell's
// callback queue.
func (c *Cell) Call(ctx context.Context, method MethodID, args ...any) *future.Future {
	f, err := c.scheduler.EnqueueCall(ctx, senderFrom(ctx), c, method, args, false, true)
	if err != nil {
		return future.Failed(err)
	}
	return f
}

// Stop asks the cell to stop after the messages already queued ahead of
// the request. Stopping a stopped cell is a no-op.
func (c *Cell) Stop(ctx context.Context) error {
	if c.IsStopped() {
		return nil
	}
	_, err := c.scheduler.EnqueueCall(ctx, senderFrom(ctx), c, MethodStop, nil, false, false)
	return err
}

// Ping returns a future fulfilled once the messages queued before it have
// been processed.
func (c *Cell) Ping(ctx context.Context) *future.Future {
	return c.Call(ctx, MethodPing)
}

// OnStopped registers fn to run once when the cell stops. It runs at once
// if the cell has already stopped.
func (c *Cell) OnStopped(fn func(*Cell)) {
	c.listenersMu.Lock()
	if !c.stopped.Load() {
		c.listeners = append(c.listeners, fn)
		c.listenersMu.Unlock()
		return
	}
	c.listenersMu.Unlock()
	fn(c)
}

// halt stops the cell from inside its own dispatcher and unwinds the
// current handler.
func (c *Cell) halt(ctx *Context) {
	if c.stopped.Load() {
		return
	}
	c.throwOnBlock.Store(true)

	if f, ok := c.handler.(Finalizer); ok {
		c.safely(ctx, "deinit", func() { f.Deinit(ctx) })
	}

	c.listenersMu.Lock()
	c.stopped.Store(true)
	listeners := c.listeners
	c.listeners = nil
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		c.safely(ctx, "stop listener", func() { fn(c) })
	}

	panic(stopUnwind{cell: c})
}

// requestDetach wakes the owning dispatcher of a cell halted off its own
// frame so that it gets detached.
func (c *Cell) requestDetach() {
	c.callbacks.Offer(NewEnvelope(c, MethodStop, nil, nil, nil, QueueCallback))
}

func (c *Cell) safely(ctx *Context, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(stopUnwind); ok {
				return
			}
			c.scheduler.logger.Warn("cell hook panicked",
				"cell", c.name, "hook", what, "panic", r)
		}
	}()
	fn()
}

// Stats returns current runtime statistics for this cell.
func (c *Cell) Stats() CellStats {
	state := CellStateIdle
	switch {
	case c.stopped.Load():
		state = CellStateStopped
	case c.running.Load() > 0:
		state = CellStateRunning
	}

	var dispatcher string
	if d := c.dispatcher.Load(); d != nil {
		dispatcher = d.name
	}

	return CellStats{
		ID:                c.ID(),
		Name:              c.name,
		State:             state,
		Dispatcher:        dispatcher,
		MessagesProcessed: c.processed.Load(),
		Failures:          c.failures.Load(),
		MailboxSize:       c.mailbox.Size(),
		CallbackSize:      c.callbacks.Size(),
		CreatedAt:         c.createdAt,
		LastMessageAt:     c.lastMessage.Load(),
	}
}
