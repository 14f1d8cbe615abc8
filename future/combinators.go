package future

import (
	"context"
	"errors"

	"go.uber.org/atomic"
)

// AllOf returns a future that settles once every input has settled. Its
// value is a []any holding the input values in argument order. Its error is
// the join of the input errors in argument order, or nil when all inputs
// were fulfilled. With no inputs it is fulfilled with an empty slice.
//
// AllOf attaches the continuation of every input.
func AllOf(fs ...*Future) *Future {
	if len(fs) == 0 {
		return Completed([]any{})
	}

	out := New()
	values := make([]any, len(fs))
	errs := make([]error, len(fs))
	var remaining atomic.Int32
	remaining.Store(int32(len(fs)))

	settle := func(ctx context.Context, i int, value any, err error) {
		values[i] = value
		errs[i] = err
		if remaining.Add(-1) == 0 {
			_ = out.Complete(ctx, values, errors.Join(errs...))
		}
	}

	for i, f := range fs {
		if err := f.register(context.Background(), func(ctx context.Context, value any, err error) {
			settle(ctx, i, value, err)
		}, nil); err != nil {
			settle(context.Background(), i, nil, err)
		}
	}
	return out
}

// AnyOf returns a future that settles with the outcome of whichever input
// settles first. Later settlements have no effect. With no inputs the
// result stays pending.
//
// AnyOf attaches the continuation of every input.
func AnyOf(fs ...*Future) *Future {
	out := New()
	var claimed atomic.Bool

	for _, f := range fs {
		if err := f.register(context.Background(), func(ctx context.Context, value any, err error) {
			if claimed.CompareAndSwap(false, true) {
				_ = out.Complete(ctx, value, err)
			}
		}, nil); err != nil {
			if claimed.CompareAndSwap(false, true) {
				_ = out.Complete(context.Background(), nil, err)
			}
		}
	}
	return out
}

// OnResult runs fn when the future is fulfilled. The returned future
// carries the original outcome.
func (f *Future) OnResult(fn func(ctx context.Context, value any)) *Future {
	return f.Then(func(ctx context.Context, value any, err error) {
		if err == nil {
			fn(ctx, value)
		}
	})
}

// OnError runs fn when the future fails. Expiry is not reported here;
// see OnTimeout.
func (f *Future) OnError(fn func(ctx context.Context, err error)) *Future {
	return f.Then(func(ctx context.Context, _ any, err error) {
		if f.State() == StateFailed {
			fn(ctx, err)
		}
	})
}

// OnTimeout runs fn when the future expires.
func (f *Future) OnTimeout(fn func(ctx context.Context)) *Future {
	return f.Then(func(ctx context.Context, _ any, _ error) {
		if f.State() == StateTimedOut {
			fn(ctx)
		}
	})
}

// Compose chains an asynchronous step. When f is fulfilled fn runs and the
// returned future settles with the outcome of the future fn returns. A
// failure of f skips fn and is passed through.
func (f *Future) Compose(fn func(ctx context.Context, value any) *Future) *Future {
	next := New()
	err := f.register(context.Background(), func(ctx context.Context, value any, err error) {
		if err != nil {
			f.forward(ctx, next, nil, err)
			return
		}
		step := fn(ctx, value)
		if step == nil {
			_ = next.Complete(ctx, nil, nil)
			return
		}
		if perr := step.PipeContext(ctx, next); perr != nil {
			_ = next.Complete(ctx, nil, perr)
		}
	}, next)
	if err != nil {
		return Failed(err)
	}
	return next
}

// Recover handles a failure or timeout of f by running fn and settling with
// the outcome of the future it returns. A fulfilled f is passed through.
func (f *Future) Recover(fn func(ctx context.Context, err error) *Future) *Future {
	next := New()
	err := f.register(context.Background(), func(ctx context.Context, value any, err error) {
		if err == nil {
			_ = next.Complete(ctx, value, nil)
			return
		}
		step := fn(ctx, err)
		if step == nil {
			_ = next.Complete(ctx, nil, nil)
			return
		}
		if perr := step.PipeContext(ctx, next); perr != nil {
			_ = next.Complete(ctx, nil, perr)
		}
	}, next)
	if err != nil {
		return Failed(err)
	}
	return next
}
