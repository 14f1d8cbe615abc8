package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestCompleteInvokesContinuationOnce(t *testing.T) {
	ctx := context.Background()
	f := New()

	var calls int
	var gotValue any
	var gotErr error
	f.Then(func(_ context.Context, value any, err error) {
		calls++
		gotValue, gotErr = value, err
	})

	require.NoError(t, f.Complete(ctx, 42, nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 42, gotValue)
	assert.NoError(t, gotErr)

	err := f.Complete(ctx, 7, nil)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 42, f.Value())
	assert.Equal(t, StateFulfilled, f.State())
}

func TestThenOnSettledFutureRunsImmediately(t *testing.T) {
	f := Completed("x")

	var got any
	next := f.Then(func(_ context.Context, value any, _ error) { got = value })

	assert.Equal(t, "x", got)
	require.True(t, next.IsDone(), "downstream of a settled future must be settled")
	assert.Equal(t, "x", next.Value())
}

func TestSecondContinuationRejected(t *testing.T) {
	f := New()
	f.Then(func(context.Context, any, error) {})

	next := f.Then(func(context.Context, any, error) {})
	assert.ErrorIs(t, next.Err(), ErrContinuationRegistered)
}

func TestLateCompletionAfterTimeoutIgnored(t *testing.T) {
	ctx := context.Background()
	f := New()

	var states []State
	f.Then(func(_ context.Context, _ any, err error) {
		if IsTimeout(err) {
			states = append(states, StateTimedOut)
		} else {
			states = append(states, StateFulfilled)
		}
	})

	require.True(t, f.Expire(ctx))
	assert.NoError(t, f.Complete(ctx, 1, nil))
	assert.False(t, f.Expire(ctx))
	assert.Equal(t, []State{StateTimedOut}, states)
	assert.Equal(t, StateTimedOut, f.State())
	assert.True(t, IsTimeout(f.Err()))
}

func TestPropagatedTimeoutIsFailure(t *testing.T) {
	ctx := context.Background()
	f := New()

	require.NoError(t, f.Complete(ctx, nil, fmt.Errorf("upstream: %w", ErrTimeout)))
	assert.Equal(t, StateFailed, f.State())
	assert.True(t, IsTimeout(f.Err()))
	assert.ErrorIs(t, f.Complete(ctx, 1, nil), ErrAlreadyCompleted)
	assert.False(t, f.Expire(ctx))

	var failure error
	Failed(ErrTimeout).OnError(func(_ context.Context, err error) { failure = err })
	assert.ErrorIs(t, failure, ErrTimeout)
}

func TestThenKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	f := New()
	timedOut := false
	f.Then(func(context.Context, any, error) {}).OnTimeout(func(context.Context) { timedOut = true })

	f.Expire(ctx)
	assert.True(t, timedOut)
}

func TestFailedCarriesError(t *testing.T) {
	boom := errors.New("boom")
	f := Failed(boom)
	assert.Equal(t, StateFailed, f.State())
	assert.ErrorIs(t, f.Err(), boom)
	assert.ErrorIs(t, f.Complete(context.Background(), 1, nil), ErrAlreadyCompleted)
}

func TestContinuationPanicFailsDownstream(t *testing.T) {
	f := New()
	next := f.Then(func(context.Context, any, error) { panic("bad continuation") })

	require.NoError(t, f.Complete(context.Background(), 1, nil))
	require.True(t, next.IsDone())
	assert.Equal(t, StateFailed, next.State())
	assert.Contains(t, next.Err().Error(), "bad continuation")
}

func TestConcurrentCompleteAndThen(t *testing.T) {
	for i := 0; i < 500; i++ {
		f := New()
		var calls atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.Then(func(context.Context, any, error) { calls.Add(1) })
		}()
		go func() {
			defer wg.Done()
			_ = f.Complete(context.Background(), i, nil)
		}()
		wg.Wait()
		require.Equal(t, int32(1), calls.Load(), "iteration %d", i)
	}
}

func TestAwaitBlocking(t *testing.T) {
	f := New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = f.Complete(context.Background(), "done", nil)
	}()

	v, err := f.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestAwaitTimeoutExpiresFuture(t *testing.T) {
	f := New()
	_, err := f.Await(context.Background(), 5*time.Millisecond)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, StateTimedOut, f.State())

	assert.NoError(t, f.Complete(context.Background(), 1, nil), "late result must be tolerated")
}

func TestAwaitContextCancelled(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Await(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatePending, f.State())
}

type stepYielder struct {
	steps int
	tick  func(step int)
}

func (y *stepYielder) Yield(ready func() bool) {
	for !ready() {
		y.steps++
		y.tick(y.steps)
	}
}

func TestAwaitUsesYielder(t *testing.T) {
	f := New()
	y := &stepYielder{}
	y.tick = func(step int) {
		if step == 3 {
			_ = f.Complete(context.Background(), "cooperative", nil)
		}
	}

	v, err := f.Await(WithYielder(context.Background(), y), 0)
	require.NoError(t, err)
	assert.Equal(t, "cooperative", v)
	assert.Equal(t, 3, y.steps)
}

func TestAwaitYielderDeadline(t *testing.T) {
	f := New()
	y := &stepYielder{tick: func(int) { time.Sleep(time.Millisecond) }}

	_, err := f.Await(WithYielder(context.Background(), y), 5*time.Millisecond)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, StateTimedOut, f.State())
}

type afterDelayer struct {
	calls atomic.Int32
}

func (d *afterDelayer) Delay(after time.Duration, fn func()) {
	d.calls.Add(1)
	time.AfterFunc(after, fn)
}

func TestTimeoutIn(t *testing.T) {
	d := &afterDelayer{}
	f := New().TimeoutIn(5*time.Millisecond, d)

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("future did not expire")
	}
	assert.Equal(t, StateTimedOut, f.State())
	assert.Equal(t, int32(1), d.calls.Load())

	settled := New().TimeoutIn(time.Millisecond, nil)
	require.NoError(t, settled.Complete(context.Background(), 1, nil))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, StateFulfilled, settled.State())
}
