// Package future implements the single-assignment result cell used for every
// asynchronous call in the runtime.
//
// A Future starts pending and moves exactly once to fulfilled, failed or
// timed out. At most one continuation may be attached; it runs synchronously
// on the goroutine that completes the future. Chaining with Then returns a
// downstream Future that settles after the continuation has run.
//
// Await has two modes. When the context carries a Yielder (a dispatcher
// installs one for every handler invocation) the caller suspends and the
// dispatcher keeps serving its other cells until the future settles. Without
// a Yielder the caller simply blocks.
package future

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a Future.
type State int32

const (
	// StatePending means no result has arrived yet.
	StatePending State = iota

	// StateFulfilled means the future holds a value.
	StateFulfilled

	// StateFailed means the future holds an error.
	StateFailed

	// StateTimedOut means the future expired before a result arrived.
	StateTimedOut
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Signal receives the outcome of a future. ctx is the context of the
// goroutine completing the future.
type Signal func(ctx context.Context, value any, err error)

// Sink is anything that accepts a single result.
type Sink interface {
	Complete(ctx context.Context, value any, err error) error
}

type outcome struct {
	state State
	value any
	err   error
}

var expired = &outcome{state: StateTimedOut, err: ErrTimeout}

type continuation struct {
	run  Signal
	next *Future
}

// Future is a single-assignment result cell. The zero value is not usable;
// create futures with New, Completed or Failed.
type Future struct {
	result atomic.Pointer[outcome]
	cont   atomic.Pointer[continuation]

	// fired is claimed by whichever side, completer or registrar, runs the continuation
	fired atomic.Bool

	done chan struct{}
}

// New returns a pending future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future fulfilled with value.
func Completed(value any) *Future {
	f := New()
	f.settle(&outcome{state: StateFulfilled, value: value})
	return f
}

// Failed returns a future failed with err.
func Failed(err error) *Future {
	f := New()
	f.settle(newOutcome(nil, err))
	return f
}

// newOutcome never yields StateTimedOut; only Expire does. A propagated
// ErrTimeout is an ordinary failure of the future it is passed to.
func newOutcome(value any, err error) *outcome {
	if err == nil {
		return &outcome{state: StateFulfilled, value: value}
	}
	return &outcome{state: StateFailed, value: value, err: err}
}

func (f *Future) settle(o *outcome) bool {
	if !f.result.CompareAndSwap(nil, o) {
		return false
	}
	close(f.done)
	return true
}

// Complete settles the future. Completing a future twice returns
// ErrAlreadyCompleted, except that a late result for a timed out future is
// silently discarded. A registered continuation runs before Complete returns.
func (f *Future) Complete(ctx context.Context, value any, err error) error {
	if !f.settle(newOutcome(value, err)) {
		if f.result.Load().state == StateTimedOut {
			return nil
		}
		return ErrAlreadyCompleted
	}
	f.fire(ctx)
	return nil
}

// Expire moves a pending future to StateTimedOut. It reports whether the future
// was still pending.
func (f *Future) Expire(ctx context.Context) bool {
	if !f.settle(expired) {
		return false
	}
	f.fire(ctx)
	return true
}

func (f *Future) fire(ctx context.Context) {
	c := f.cont.Load()
	if c == nil || !f.fired.CompareAndSwap(false, true) {
		return
	}
	f.invoke(ctx, c)
}

func (f *Future) invoke(ctx context.Context, c *continuation) {
	o := f.result.Load()
	defer func() {
		if r := recover(); r != nil && c.next != nil {
			_ = c.next.Complete(ctx, nil, errors.WithStack(fmt.Errorf("future: continuation panicked: %v", r)))
		}
	}()
	c.run(ctx, o.value, o.err)
}

// register attaches run. If the future has already settled run is invoked
// immediately with ctx.
func (f *Future) register(ctx context.Context, run Signal, next *Future) error {
	c := &continuation{run: run, next: next}
	if !f.cont.CompareAndSwap(nil, c) {
		return ErrContinuationRegistered
	}
	if f.result.Load() != nil && f.fired.CompareAndSwap(false, true) {
		f.invoke(ctx, c)
	}
	return nil
}

// Then attaches fn and returns a downstream future that settles with the
// same outcome once fn has returned. Only one continuation may be attached;
// a second Then returns a future failed with ErrContinuationRegistered.
func (f *Future) Then(fn Signal) *Future {
	return f.ThenContext(context.Background(), fn)
}

// ThenContext is Then with the context used when f has already settled and
// fn runs immediately.
func (f *Future) ThenContext(ctx context.Context, fn Signal) *Future {
	next := New()
	run := func(ctx context.Context, value any, err error) {
		fn(ctx, value, err)
		f.forward(ctx, next, value, err)
	}
	if err := f.register(ctx, run, next); err != nil {
		return Failed(err)
	}
	return next
}

// Pipe forwards the outcome of f into dst.
func (f *Future) Pipe(dst Sink) error {
	return f.PipeContext(context.Background(), dst)
}

// PipeContext is Pipe with the context used when f has already settled.
func (f *Future) PipeContext(ctx context.Context, dst Sink) error {
	return f.register(ctx, func(ctx context.Context, value any, err error) {
		f.forward(ctx, dst, value, err)
	}, nil)
}

// forward hands the settled outcome of f to dst. Expiry stays expiry when
// dst is a future.
func (f *Future) forward(ctx context.Context, dst Sink, value any, err error) {
	if next, ok := dst.(*Future); ok && f.State() == StateTimedOut {
		next.Expire(ctx)
		return
	}
	_ = dst.Complete(ctx, value, err)
}

// TimeoutIn expires the future after d unless it settles first. The timer
// runs on delayer; a nil delayer uses a runtime timer. It returns f.
func (f *Future) TimeoutIn(d time.Duration, delayer Delayer) *Future {
	expire := func() { f.Expire(context.Background()) }
	if delayer == nil {
		time.AfterFunc(d, expire)
	} else {
		delayer.Delay(d, expire)
	}
	return f
}

// Await waits until the future settles or timeout elapses and returns its
// outcome. A timeout of zero waits forever. When the wait times out the
// future itself is expired, so a late result is discarded.
//
// If ctx carries a Yielder the wait is cooperative. Cancelling ctx stops the
// wait with ctx.Err() and leaves the future untouched.
func (f *Future) Await(ctx context.Context, timeout time.Duration) (any, error) {
	if o := f.result.Load(); o != nil {
		return o.value, o.err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if y := YielderFrom(ctx); y != nil {
		y.Yield(func() bool {
			return f.IsDone() || ctx.Err() != nil || (!deadline.IsZero() && !time.Now().Before(deadline))
		})
		if !f.IsDone() {
			if err := ctx.Err(); err != nil && (deadline.IsZero() || time.Now().Before(deadline)) {
				return nil, err
			}
			f.Expire(ctx)
		}
		o := f.result.Load()
		return o.value, o.err
	}

	var expiry <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expiry = t.C
	}

	select {
	case <-f.done:
	case <-expiry:
		f.Expire(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	o := f.result.Load()
	return o.value, o.err
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// State returns the current state.
func (f *Future) State() State {
	if o := f.result.Load(); o != nil {
		return o.state
	}
	return StatePending
}

// IsDone reports whether the future has settled.
func (f *Future) IsDone() bool {
	return f.result.Load() != nil
}

// Value returns the value, or nil while pending.
func (f *Future) Value() any {
	if o := f.result.Load(); o != nil {
		return o.value
	}
	return nil
}

// Err returns the error, or nil while pending or fulfilled.
func (f *Future) Err() error {
	if o := f.result.Load(); o != nil {
		return o.err
	}
	return nil
}

// String returns a short description of the future.
func (f *Future) String() string {
	o := f.result.Load()
	switch {
	case o == nil:
		return "Future(pending)"
	case o.err != nil:
		return fmt.Sprintf("Future(%s: %v)", o.state, o.err)
	default:
		return fmt.Sprintf("Future(%s: %v)", o.state, o.value)
	}
}
