package core

import (
	"context"
	"fmt"

	"github.com/najoast/nucleus/future"
)

// Envelope is one queued message. It is immutable once built and carries
// at most one result sink. The argument slice belongs to the receiver after
// the envelope is enqueued.
type Envelope struct {
	target *Cell
	method MethodID
	args   []any
	sender *Cell
	sink   future.Sink
	queue  QueueClass

	// thunk runs inside the target cell instead of its handler
	thunk func(ctx *Context)
	// orphan replaces thunk once the target is stopped
	orphan func(ctx context.Context)
}

// NewEnvelope builds an envelope. sender and sink may be nil.
func NewEnvelope(target *Cell, method MethodID, args []any, sender *Cell, sink future.Sink, queue QueueClass) *Envelope {
	return &Envelope{
		target: target,
		method: method,
		args:   args,
		sender: sender,
		sink:   sink,
		queue:  queue,
	}
}

func callbackEnvelope(target *Cell, fn func(ctx *Context)) *Envelope {
	return &Envelope{
		target: target,
		method: methodCallback,
		queue:  QueueCallback,
		thunk:  fn,
	}
}

// Target returns the receiving cell.
func (e *Envelope) Target() *Cell { return e.target }

// Method returns the message variant.
func (e *Envelope) Method() MethodID { return e.method }

// Args returns the argument vector.
func (e *Envelope) Args() []any { return e.args }

// Arg returns argument i, or nil when out of range.
func (e *Envelope) Arg(i int) any {
	if i < 0 || i >= len(e.args) {
		return nil
	}
	return e.args[i]
}

// Sender returns the sending cell, nil for calls from outside the runtime.
func (e *Envelope) Sender() *Cell { return e.sender }

// Sink returns the result sink, nil for one-way messages.
func (e *Envelope) Sink() future.Sink { return e.sink }

// Queue returns the queue class the envelope travels in.
func (e *Envelope) Queue() QueueClass { return e.queue }

// String returns a short description of the envelope.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s -> %s.%s", cellName(e.sender), cellName(e.target), e.method)
}

func cellName(c *Cell) string {
	if c == nil {
		return "<none>"
	}
	return c.String()
}
