package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/najoast/nucleus/future"
)

func TestCallReturnsResult(t *testing.T) {
	s, _ := newTestScheduler(t)
	adder := spawn(t, s, "adder", Methods{
		"add": func(ctx *Context, args []any) (*future.Future, error) {
			return future.Completed(args[0].(int) + args[1].(int)), nil
		},
		"nothing": noop,
	})

	v, err := await(t, adder.Call(context.Background(), "add", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = await(t, adder.Call(context.Background(), "nothing"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestHandlerFailures(t *testing.T) {
	s, rec := newTestScheduler(t)
	boom := errors.New("boom")
	c := spawn(t, s, "faulty", Methods{
		"fail":  func(*Context, []any) (*future.Future, error) { return nil, boom },
		"panic": func(*Context, []any) (*future.Future, error) { panic("kaboom") },
	})

	_, err := await(t, c.Call(context.Background(), "fail"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "faulty", herr.Cell)
	assert.Equal(t, MethodID("fail"), herr.Method)
	assert.Nil(t, herr.Panic)

	_, err = await(t, c.Call(context.Background(), "panic"))
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "kaboom", herr.Panic)

	_, err = await(t, c.Call(context.Background(), "missing"))
	assert.ErrorContains(t, err, `unknown method "missing"`)

	// one-way failures surface as events
	require.NoError(t, c.Tell(context.Background(), "fail"))
	_, err = await(t, c.Ping(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(EventHandlerFailure))
	assert.EqualValues(t, 4, c.Stats().Failures)
	assert.False(t, c.IsStopped())
}

func TestTellPreservesProducerOrder(t *testing.T) {
	s, _ := newTestScheduler(t)

	const producers, perProducer = 4, 500
	seen := make([][]int, producers)
	c := spawn(t, s, "sink", Methods{
		"put": func(ctx *Context, args []any) (*future.Future, error) {
			p, seq := args[0].(int), args[1].(int)
			seen[p] = append(seen[p], seq)
			return nil, nil
		},
	})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, c.Tell(context.Background(), "put", p, i))
			}
		}(p)
	}
	wg.Wait()

	_, err := await(t, c.Ping(context.Background()))
	require.NoError(t, err)
	for p := 0; p < producers; p++ {
		require.Len(t, seen[p], perProducer)
		assert.True(t, slices.IsSorted(seen[p]), "producer %d out of order", p)
	}
}

func TestOneHandlerAtATime(t *testing.T) {
	s, _ := newTestScheduler(t, func(o *SchedulerOptions) { o.MaxDispatchers = 4 })

	var active atomic.Int32
	var overlap atomic.Bool
	var handled atomic.Int32
	c := spawn(t, s, "serial", Methods{
		"work": func(*Context, []any) (*future.Future, error) {
			if active.Inc() > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Microsecond)
			active.Dec()
			handled.Inc()
			return nil, nil
		},
	})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				assert.NoError(t, c.Tell(context.Background(), "work"))
			}
		}()
	}
	wg.Wait()

	_, err := await(t, c.Ping(context.Background()))
	require.NoError(t, err)
	assert.EqualValues(t, 800, handled.Load())
	assert.False(t, overlap.Load())
}

func TestPingWaitsForQueuedMessages(t *testing.T) {
	s, _ := newTestScheduler(t)

	var handled atomic.Int32
	c := spawn(t, s, "slow", Methods{
		"work": func(*Context, []any) (*future.Future, error) {
			time.Sleep(time.Millisecond)
			handled.Inc()
			return nil, nil
		},
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Tell(context.Background(), "work"))
	}
	_, err := await(t, c.Ping(context.Background()))
	require.NoError(t, err)
	assert.EqualValues(t, 10, handled.Load())
}

type lifecycleHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *lifecycleHandler) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
}

func (h *lifecycleHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *lifecycleHandler) Init(*Context) error {
	h.record("init")
	return nil
}

func (h *lifecycleHandler) Deinit(*Context) {
	h.record("deinit")
}

func (h *lifecycleHandler) Receive(_ *Context, env *Envelope) (*future.Future, error) {
	h.record(string(env.Method()))
	return nil, nil
}

func TestInitAndDeinit(t *testing.T) {
	s, _ := newTestScheduler(t)
	h := &lifecycleHandler{}
	c := spawn(t, s, "lifecycle", h)

	require.NoError(t, c.Tell(context.Background(), "hello"))
	require.NoError(t, c.Stop(context.Background()))

	require.Eventually(t, c.IsStopped, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"init", "hello", "deinit"}, h.snapshot())
}

func TestStopIsIdempotent(t *testing.T) {
	s, rec := newTestScheduler(t)
	c := spawn(t, s, "stoppable", Methods{"work": noop})

	var notified atomic.Int32
	c.OnStopped(func(*Cell) { notified.Inc() })

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.Eventually(t, func() bool {
		return rec.count(EventCellStopped) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	assert.EqualValues(t, 1, notified.Load())
	assert.Empty(t, s.DeadLetters())

	late := make(chan *Cell, 1)
	c.OnStopped(func(c *Cell) { late <- c })
	assert.Equal(t, c, <-late)

	_, ok := s.Lookup(c.ID())
	assert.False(t, ok)
}

func TestSendToStoppedCell(t *testing.T) {
	s, rec := newTestScheduler(t)
	c := spawn(t, s, "gone", Methods{"work": noop})
	require.NoError(t, c.Stop(context.Background()))
	require.Eventually(t, c.IsStopped, 5*time.Second, time.Millisecond)

	err := c.Tell(context.Background(), "work", 1)
	assert.ErrorIs(t, err, ErrStopped)

	_, err = await(t, c.Call(context.Background(), "work"))
	assert.ErrorIs(t, err, ErrStopped)

	letters := s.DeadLetters()
	require.Len(t, letters, 2)
	assert.Equal(t, "DEAD LETTER sender:<none> receiver:gone method:work", letters[0].String())
	assert.Equal(t, []any{1}, letters[0].Args)
	assert.Equal(t, 2, rec.count(EventDeadLetter))
}

func TestStopWithQueuedMessages(t *testing.T) {
	s, rec := newTestScheduler(t)

	gate := make(chan struct{})
	var delivered atomic.Int32
	c := spawn(t, s, "victim", Methods{
		"gate": func(*Context, []any) (*future.Future, error) {
			<-gate
			return nil, nil
		},
		"halt": func(ctx *Context, _ []any) (*future.Future, error) {
			ctx.Stop()
			return nil, nil
		},
		"m": func(*Context, []any) (*future.Future, error) {
			delivered.Inc()
			return nil, nil
		},
	})

	require.NoError(t, c.Tell(context.Background(), "gate"))
	require.NoError(t, c.Tell(context.Background(), "halt"))
	require.NoError(t, c.Tell(context.Background(), "m", 1))
	pending := c.Call(context.Background(), "m", 2)
	close(gate)

	_, err := await(t, pending)
	assert.ErrorIs(t, err, ErrStopped)

	require.Eventually(t, func() bool {
		return c.IsStopped() && rec.count(EventCellStopped) == 1
	}, 5*time.Second, time.Millisecond)

	assert.EqualValues(t, 0, delivered.Load())
	letters := s.DeadLetters()
	require.Len(t, letters, 2)
	for i, l := range letters {
		assert.Equal(t, MethodID("m"), l.Method)
		assert.Equal(t, []any{i + 1}, l.Args)
	}
	assert.NotContains(t, c.Dispatcher().Cells(), c)
	assert.Zero(t, rec.count(EventHandlerFailure))
}

func TestThrowOnBlock(t *testing.T) {
	s, rec := newTestScheduler(t)

	// neither cell is assigned to a dispatcher, so nothing drains the queue
	target := newCell(s, Methods{"m": noop}, CellOptions{Name: "target", QueueCapacity: 4})
	sender := newCell(s, Methods{}, CellOptions{Name: "sender", ThrowOnBlock: true})

	for i := 0; i < 4; i++ {
		_, err := s.EnqueueCall(context.Background(), sender, target, "m", []any{i}, false, false)
		require.NoError(t, err, "enqueue %d", i)
	}

	start := time.Now()
	_, err := s.EnqueueCall(context.Background(), sender, target, "m", []any{4}, false, false)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 4, target.QueueSize())

	e, ok := rec.find(EventBlocked)
	require.True(t, ok)
	assert.Equal(t, "target", e.Cell)
	assert.Equal(t, "sender", e.Sender)
}

func TestBlockedSendHonoursContext(t *testing.T) {
	s, _ := newTestScheduler(t)
	target := newCell(s, Methods{"m": noop}, CellOptions{Name: "target", QueueCapacity: 2})

	for i := 0; i < 2; i++ {
		require.NoError(t, target.Tell(context.Background(), "m"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := target.Tell(ctx, "m")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCellStats(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := spawn(t, s, "stats", Methods{"work": noop})

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Tell(context.Background(), "work"))
	}
	_, err := await(t, c.Ping(context.Background()))
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, c.ID(), stats.ID)
	assert.Equal(t, "stats", stats.Name)
	assert.EqualValues(t, 4, stats.MessagesProcessed)
	assert.NotEmpty(t, stats.Dispatcher)
	assert.False(t, stats.LastMessageAt.IsZero())
	assert.Eventually(t, func() bool {
		return c.Stats().State == CellStateIdle
	}, time.Second, time.Millisecond)
	assert.Equal(t, fmt.Sprintf("<none> -> stats.%s", MethodPing), NewEnvelope(c, MethodPing, nil, nil, nil, QueueMailbox).String())
}

func TestStopWhileAwaitingReply(t *testing.T) {
	s, rec := newTestScheduler(t, func(o *SchedulerOptions) { o.MaxDispatchers = 1 })

	slow := spawn(t, s, "slow", Methods{
		"slow": func(ctx *Context, _ []any) (*future.Future, error) {
			return ctx.Exec(func() (any, error) {
				time.Sleep(100 * time.Millisecond)
				return "late", nil
			}), nil
		},
	})

	type reply struct {
		value any
		err   error
	}
	replies := make(chan reply, 1)
	asker := spawn(t, s, "asker", Methods{
		"ask": func(ctx *Context, _ []any) (*future.Future, error) {
			v, err := ctx.Call(slow, "slow").Await(ctx, 0)
			replies <- reply{v, err}
			return nil, err
		},
	})
	d := asker.Dispatcher()

	require.NoError(t, asker.Tell(context.Background(), "ask"))
	require.Eventually(t, func() bool {
		return d.Status().Suspended == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, asker.Stop(context.Background()))
	require.NoError(t, slow.Stop(context.Background()))

	select {
	case r := <-replies:
		require.NoError(t, r.err)
		assert.Equal(t, "late", r.value)
	case <-time.After(2 * time.Second):
		t.Fatal("handler still suspended after its cell stopped")
	}

	assert.Eventually(t, func() bool {
		return d.Status().Suspended == 0 && rec.count(EventCellStopped) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, s.DeadLetters())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestEscapedContextStop(t *testing.T) {
	s, rec := newTestScheduler(t)

	var escaped atomic.Pointer[Context]
	owner := spawn(t, s, "owner", Methods{
		"keep": func(ctx *Context, _ []any) (*future.Future, error) {
			escaped.Store(ctx)
			return nil, nil
		},
		"get": func(*Context, []any) (*future.Future, error) {
			return future.Completed("v"), nil
		},
	})
	relay := spawn(t, s, "relay", Methods{
		"relay": func(ctx *Context, _ []any) (*future.Future, error) {
			return ctx.Call(owner, "get").Then(func(context.Context, any, error) {
				escaped.Load().Stop()
			}), nil
		},
	})

	_, err := await(t, owner.Call(context.Background(), "keep"))
	require.NoError(t, err)

	v, err := await(t, relay.Call(context.Background(), "relay"))
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.Eventually(t, func() bool {
		return owner.IsStopped() && rec.count(EventCellStopped) == 1
	}, 5*time.Second, time.Millisecond)
	assert.False(t, relay.IsStopped())
	assert.Zero(t, rec.count(EventHandlerFailure))
}

func TestHaltOfAnotherCellFailsOnlyTheHandler(t *testing.T) {
	s, rec := newTestScheduler(t)

	victim := spawn(t, s, "victim", Methods{"work": noop})
	bystander := spawn(t, s, "bystander", Methods{
		"halt": func(ctx *Context, _ []any) (*future.Future, error) {
			victim.halt(ctx)
			return nil, nil
		},
		"work": noop,
	})

	_, err := await(t, bystander.Call(context.Background(), "halt"))
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "bystander", herr.Cell)
	assert.ErrorContains(t, err, "unwound by stop of victim")

	require.Eventually(t, func() bool {
		_, found := s.Lookup(victim.ID())
		return victim.IsStopped() && !found && rec.count(EventCellStopped) == 1
	}, 5*time.Second, time.Millisecond)

	_, err = await(t, bystander.Call(context.Background(), "work"))
	assert.NoError(t, err)
	assert.False(t, bystander.IsStopped())
}
