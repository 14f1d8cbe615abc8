package future

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllOfPreservesInputOrder(t *testing.T) {
	ctx := context.Background()
	f1, f2 := New(), New()
	all := AllOf(f1, f2)

	require.NoError(t, f2.Complete(ctx, "second", nil))
	assert.False(t, all.IsDone(), "must wait for every input")

	require.NoError(t, f1.Complete(ctx, "first", nil))
	require.True(t, all.IsDone())
	assert.NoError(t, all.Err())
	assert.Equal(t, []any{"first", "second"}, all.Value())
}

func TestAllOfJoinsErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	f1, f2, f3 := New(), New(), New()
	all := AllOf(f1, f2, f3)

	_ = f3.Complete(ctx, 3, nil)
	_ = f1.Complete(ctx, nil, boom)
	f2.Expire(ctx)

	require.True(t, all.IsDone())
	assert.ErrorIs(t, all.Err(), boom)
	assert.ErrorIs(t, all.Err(), ErrTimeout)
	assert.Equal(t, []any{nil, nil, 3}, all.Value())
}

func TestAllOfEmpty(t *testing.T) {
	all := AllOf()
	require.True(t, all.IsDone())
	assert.Equal(t, []any{}, all.Value())
}

func TestAllOfConcurrentInputs(t *testing.T) {
	const n = 64
	fs := make([]*Future, n)
	for i := range fs {
		fs[i] = New()
	}
	all := AllOf(fs...)

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = fs[i].Complete(context.Background(), i, nil)
		}(i)
	}
	wg.Wait()

	require.True(t, all.IsDone())
	values := all.Value().([]any)
	for i, v := range values {
		assert.Equal(t, i, v)
	}
}

func TestAnyOfSettlesOnce(t *testing.T) {
	ctx := context.Background()
	f1, f2, f3 := New(), New(), New()
	anyF := AnyOf(f1, f2, f3)

	var calls int
	anyF.Then(func(context.Context, any, error) { calls++ })

	require.NoError(t, f2.Complete(ctx, "winner", nil))
	require.NoError(t, f1.Complete(ctx, "late", nil))
	require.NoError(t, f3.Complete(ctx, nil, errors.New("later")))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "winner", anyF.Value())
	assert.NoError(t, anyF.Err())
}

func TestAnyOfRace(t *testing.T) {
	for round := 0; round < 200; round++ {
		fs := []*Future{New(), New(), New(), New()}
		anyF := AnyOf(fs...)

		var wg sync.WaitGroup
		for i, f := range fs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = f.Complete(context.Background(), i, nil)
			}()
		}
		wg.Wait()

		require.True(t, anyF.IsDone())
		assert.Contains(t, []any{0, 1, 2, 3}, anyF.Value())
	}
}

func TestOnCallbacks(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	var result any
	Completed(5).OnResult(func(_ context.Context, v any) { result = v })
	assert.Equal(t, 5, result)

	var failure error
	Failed(boom).OnError(func(_ context.Context, err error) { failure = err })
	assert.ErrorIs(t, failure, boom)

	failure = nil
	timedOut := false
	f := New()
	f.OnError(func(_ context.Context, err error) { failure = err })
	g := New()
	g.OnTimeout(func(context.Context) { timedOut = true })
	f.Expire(ctx)
	g.Expire(ctx)
	assert.NoError(t, failure, "timeouts are not errors for OnError")
	assert.True(t, timedOut)
}

func TestCompose(t *testing.T) {
	ctx := context.Background()
	f := New()
	inner := New()
	composed := f.Compose(func(_ context.Context, v any) *Future {
		assert.Equal(t, 1, v)
		return inner
	})

	require.NoError(t, f.Complete(ctx, 1, nil))
	assert.False(t, composed.IsDone())

	require.NoError(t, inner.Complete(ctx, 2, nil))
	assert.Equal(t, 2, composed.Value())

	boom := errors.New("boom")
	skipped := Failed(boom).Compose(func(context.Context, any) *Future {
		t.Fatal("must not run on failure")
		return nil
	})
	assert.ErrorIs(t, skipped.Err(), boom)
}

func TestRecover(t *testing.T) {
	recovered := Failed(errors.New("boom")).Recover(func(_ context.Context, err error) *Future {
		return Completed("fallback")
	})
	assert.Equal(t, "fallback", recovered.Value())
	assert.NoError(t, recovered.Err())

	passed := Completed(1).Recover(func(context.Context, error) *Future {
		t.Fatal("must not run on success")
		return nil
	})
	assert.Equal(t, 1, passed.Value())
}

func TestPipe(t *testing.T) {
	src, dst := New(), New()
	require.NoError(t, src.Pipe(dst))
	require.NoError(t, src.Complete(context.Background(), "piped", nil))
	assert.Equal(t, "piped", dst.Value())
}
