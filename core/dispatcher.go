package core

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/najoast/nucleus/future"
)

// Dispatcher is a single event loop owning a set of cells. It round-robins
// the callback queue and then the mailbox of each cell and runs handlers
// one at a time.
//
// Exactly one goroutine, the runner, executes the loop at any instant. A
// handler that awaits a future hands the loop to a fresh runner and gets it
// back once the future settles, so the loop never stalls on an await.
// Runners lock their OS thread unless the scheduler disables it.
type Dispatcher struct {
	id        int
	name      string
	scheduler *Scheduler
	createdAt time.Time

	// cells is replaced wholesale by the runner and read by anyone
	cells atomic.Pointer[[]*Cell]

	// pending holds cells handed over by other goroutines
	pending *pendingQueue

	isolated   atomic.Bool
	retired    atomic.Bool
	terminated atomic.Bool

	// Runner-owned state
	cursor      int
	current     *Context
	inlineDepth int
	suspended   []*awaiter

	suspendedCount atomic.Int32
	threadID       atomic.Int64
	processed      atomic.Uint64

	done chan struct{}
}

// awaiter is a handler parked in Await until ready reports true.
type awaiter struct {
	ready  func() bool
	resume chan struct{}
}

func newDispatcher(s *Scheduler, id int, name string) *Dispatcher {
	d := &Dispatcher{
		id:        id,
		name:      name,
		scheduler: s,
		createdAt: time.Now(),
		pending:   newPendingQueue(),
		done:      make(chan struct{}),
	}
	empty := []*Cell{}
	d.cells.Store(&empty)
	return d
}

// Name returns the name of the dispatcher.
func (d *Dispatcher) Name() string {
	return d.name
}

// String returns the name of the dispatcher.
func (d *Dispatcher) String() string {
	return d.name
}

// Cells returns a snapshot of the cells owned by the dispatcher.
func (d *Dispatcher) Cells() []*Cell {
	return *d.cells.Load()
}

// Load returns the fill percentage of the fullest queue among the owned
// cells.
func (d *Dispatcher) Load() int {
	load := 0
	for _, c := range d.Cells() {
		load = max(load, c.Load())
	}
	return load
}

// QueueSize returns the number of envelopes waiting across the owned cells.
func (d *Dispatcher) QueueSize() int {
	size := 0
	for _, c := range d.Cells() {
		size += c.QueueSize()
	}
	return size
}

// IsIsolated reports whether the dispatcher was split off a blocked thread.
func (d *Dispatcher) IsIsolated() bool {
	return d.isolated.Load()
}

// Done returns a channel closed when the dispatcher terminates.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Status returns a snapshot of the dispatcher.
func (d *Dispatcher) Status() DispatcherStatus {
	return DispatcherStatus{
		Name:              d.name,
		Cells:             len(d.Cells()),
		Load:              d.Load(),
		QueueSize:         d.QueueSize(),
		Isolated:          d.isolated.Load(),
		Suspended:         int(d.suspendedCount.Load()),
		ThreadID:          int(d.threadID.Load()),
		MessagesProcessed: d.processed.Load(),
		StartedAt:         d.createdAt,
	}
}

func (d *Dispatcher) start() {
	d.scheduler.wg.Add(1)
	go d.run()
}

// run is the dispatcher loop. It returns either when the dispatcher
// terminates or when the runner hands the loop back to a resumed handler.
func (d *Dispatcher) run() {
	defer d.scheduler.wg.Done()
	if d.scheduler.opts.LockOSThread {
		runtime.LockOSThread()
	}
	d.threadID.Store(int64(osThreadID()))

	s := d.scheduler
	idle := 0
	idleSinceTick := 0
	lastTick := time.Now()

	for {
		if d.resumeReady() {
			return
		}

		if d.TryExecuteOne() {
			idle = 0
			if now := time.Now(); now.Sub(lastTick) > s.opts.TickInterval {
				if idleSinceTick == 0 {
					d.checkLoad()
				}
				idleSinceTick = 0
				lastTick = now
				d.mergePending()
			}
			continue
		}

		idle++
		idleSinceTick++
		policy := s.Backoff()
		policy.Wait(idle)
		if !policy.IsSleeping(idle) {
			continue
		}

		d.mergePending()
		if d.tryTerminate() {
			return
		}
		if s.opts.AutoShutdown && time.Since(d.createdAt) > s.opts.IdleShutdownAfter && len(d.Cells()) > 0 {
			s.retireIdle(d)
		}
	}
}

// TryExecuteOne polls the given cells, or every owned cell when none are
// given, and executes the first envelope found. Callback queues are polled
// before mailboxes. It must only be called by the dispatcher's runner.
func (d *Dispatcher) TryExecuteOne(cells ...*Cell) bool {
	if len(cells) == 0 {
		cells = d.Cells()
	}
	n := len(cells)
	for i := 0; i < n; i++ {
		d.cursor = (d.cursor + 1) % n
		c := cells[d.cursor]
		if env, ok := c.callbacks.Poll(); ok {
			d.execute(env)
			return true
		}
		if env, ok := c.mailbox.Poll(); ok {
			d.execute(env)
			return true
		}
	}
	return false
}

func (d *Dispatcher) execute(env *Envelope) {
	target := env.target
	s := d.scheduler

	if target.stopped.Load() {
		if env.method != MethodStop {
			s.deadLetter(s.ctx, env, true)
		}
		// no-op unless it was halted outside its own frame
		d.detach(target)
		return
	}

	ctx := d.newContext(target, env)
	prev := d.current
	d.current = ctx
	d.enter(prev, ctx)
	target.running.Inc()
	defer func() {
		target.running.Dec()
		ctx.live.Store(false)
		d.enter(ctx, prev)
		d.current = prev
	}()

	result, err := d.invoke(ctx, env)
	d.processed.Inc()
	target.processed.Inc()
	target.lastMessage.Store(time.Now())

	switch {
	case errors.Is(err, errStopUnwind):
		d.detach(target)
	case err != nil:
		target.failures.Inc()
		if env.sink != nil {
			_ = env.sink.Complete(ctx, nil, err)
			return
		}
		s.emit(Event{
			Kind:       EventHandlerFailure,
			Dispatcher: d.name,
			Cell:       target.name,
			Sender:     senderName(env),
			Method:     env.method,
			Err:        err,
		})
	case env.sink == nil:
	case result == nil:
		_ = env.sink.Complete(ctx, nil, nil)
	default:
		if perr := result.PipeContext(ctx, env.sink); perr != nil {
			_ = env.sink.Complete(ctx, nil, perr)
		}
	}
}

func (d *Dispatcher) invoke(ctx *Context, env *Envelope) (result *future.Future, err error) {
	target := env.target
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if u, ok := r.(stopUnwind); ok {
			if u.cell == target {
				result, err = nil, errStopUnwind
				return
			}
			d.scheduler.logger.Warn("stop of another cell unwound a handler",
				"dispatcher", d.name, "cell", target.name, "stopped", u.cell.name)
			u.cell.requestDetach()
			err = &HandlerError{
				Cell:   target.name,
				Method: env.method,
				Err:    pkgerrors.Errorf("unwound by stop of %s", u.cell.name),
			}
			return
		}
		err = &HandlerError{
			Cell:   target.name,
			Method: env.method,
			Panic:  r,
			Err:    pkgerrors.WithStack(fmt.Errorf("panic: %v", r)),
		}
	}()

	switch {
	case env.thunk != nil:
		env.thunk(ctx)
		return nil, nil
	case env.method == MethodStop:
		target.halt(ctx)
		return nil, nil
	case env.method == MethodPing:
		return nil, nil
	case env.method == MethodInit:
		if init, ok := target.handler.(Initializer); ok {
			err = init.Init(ctx)
		}
	default:
		result, err = target.handler.Receive(ctx, env)
	}

	if err != nil {
		err = &HandlerError{Cell: target.name, Method: env.method, Err: err}
	}
	return result, err
}

func senderName(env *Envelope) string {
	if env.sender == nil {
		return ""
	}
	return env.sender.name
}

// yield parks the running handler until ready and lets a new runner drive
// the loop meanwhile.
func (d *Dispatcher) yield(ready func() bool) {
	if ready() {
		return
	}

	aw := &awaiter{ready: ready, resume: make(chan struct{})}
	current, depth := d.current, d.inlineDepth
	d.suspended = append(d.suspended, aw)
	d.suspendedCount.Inc()
	d.current, d.inlineDepth = nil, 0

	d.enter(current, nil)

	d.scheduler.wg.Add(1)
	go d.run()

	<-aw.resume
	d.current, d.inlineDepth = current, depth
	d.enter(nil, current)
}

// enter moves the innermost frame mark from one handler Context to another.
func (d *Dispatcher) enter(from, to *Context) {
	if from != nil {
		from.innermost.Store(false)
	}
	if to != nil {
		to.innermost.Store(true)
	}
}

// resumeReady hands the loop to the oldest suspended handler that can
// continue. The calling runner must return when it reports true.
func (d *Dispatcher) resumeReady() bool {
	for i, aw := range d.suspended {
		if !aw.ready() {
			continue
		}
		d.suspended = append(d.suspended[:i], d.suspended[i+1:]...)
		d.suspendedCount.Dec()
		close(aw.resume)
		return true
	}
	return false
}

// drainInline executes one envelope of target on the current runner to
// unblock a sender waiting on target's callback queue.
func (d *Dispatcher) drainInline(target *Cell) bool {
	if d.inlineDepth >= d.scheduler.opts.MaxInlineDepth ||
		target.dispatcher.Load() != d ||
		len(d.Cells()) < 2 {
		return false
	}
	d.inlineDepth++
	defer func() { d.inlineDepth-- }()
	return d.TryExecuteOne(target)
}

func (d *Dispatcher) checkLoad() {
	s := d.scheduler
	if len(d.Cells()) < 2 || time.Since(d.createdAt) < s.opts.RebalanceDelay {
		return
	}
	if d.Load() > s.opts.RebalanceLoad {
		s.rebalance(d)
	}
}

// addCell queues c for adoption at the next tick. Callers hold the
// scheduler's balance lock.
func (d *Dispatcher) addCell(c *Cell) {
	c.dispatcher.Store(d)
	d.pending.push(c)
}

// mergePending adopts queued cells.
func (d *Dispatcher) mergePending() {
	if d.pending.isEmpty() {
		return
	}
	cells := append([]*Cell(nil), d.Cells()...)
	for c := d.pending.pop(); c != nil; c = d.pending.pop() {
		cells = append(cells, c)
	}
	d.cells.Store(&cells)
}

// removeCell drops c from the owned set. Runner only.
func (d *Dispatcher) removeCell(c *Cell) bool {
	old := d.Cells()
	cells := make([]*Cell, 0, len(old))
	found := false
	for _, x := range old {
		if x == c {
			found = true
			continue
		}
		cells = append(cells, x)
	}
	if found {
		d.cells.Store(&cells)
	}
	return found
}

// detach removes a stopped cell and turns its queued messages into dead
// letters.
func (d *Dispatcher) detach(c *Cell) {
	if c.removed.Swap(true) {
		return
	}
	s := d.scheduler
	d.removeCell(c)
	s.reap(s.ctx, c)
	s.registry.Unregister(c.ID())
	s.emit(Event{Kind: EventCellStopped, Dispatcher: d.name, Cell: c.name})
}

// tryTerminate ends an idle, empty dispatcher, or any dispatcher once the
// scheduler gave up waiting for a clean shutdown. It reports whether the
// runner must exit.
func (d *Dispatcher) tryTerminate() bool {
	s := d.scheduler
	if len(d.suspended) > 0 {
		return false
	}
	forced := s.ctx.Err() != nil
	if !forced && !s.closing.Load() &&
		(!s.opts.AutoShutdown || time.Since(d.createdAt) <= s.opts.IdleShutdownAfter) {
		return false
	}

	s.balanceMu.Lock()
	if !forced && (len(d.Cells()) > 0 || !d.pending.isEmpty()) {
		s.balanceMu.Unlock()
		return false
	}
	d.terminated.Store(true)
	s.removeSlotLocked(d)
	s.balanceMu.Unlock()

	if d.isolated.Load() {
		s.isolated.Dec()
	}
	s.emit(Event{Kind: EventDispatcherStopped, Dispatcher: d.name})
	close(d.done)
	return true
}
