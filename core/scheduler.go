package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/najoast/nucleus/backoff"
)

// Scheduler owns the dispatcher threads and places cells on them. It grows
// the pool while dispatchers are loaded, moves cells off overloaded or
// blocked dispatchers, and lets idle ones retire.
type Scheduler struct {
	opts   SchedulerOptions
	logger *slog.Logger
	events EventSink

	policy           atomic.Pointer[backoff.Policy]
	blockedWarnAfter atomic.Duration

	// balanceMu guards the slot table and every cell migration
	balanceMu sync.Mutex
	slots     []*Dispatcher
	nextID    int
	isolated  atomic.Int32

	registry    *Registry
	deadLetters *deadLetterLog

	blocking   *semaphore.Weighted
	blockingWG sync.WaitGroup

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	// closeMu orders late registrations against Shutdown
	closeMu sync.RWMutex
	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	// wg tracks dispatcher runners
	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler. Dispatchers are started lazily as
// cells are spawned.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = NewLogSink(opts.Logger)
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.DefaultPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:        opts,
		logger:      opts.Logger,
		events:      opts.Events,
		slots:       make([]*Dispatcher, opts.MaxDispatchers),
		registry:    NewRegistry(),
		deadLetters: newDeadLetterLog(opts.DeadLetterCapacity),
		blocking:    semaphore.NewWeighted(int64(opts.BlockingPoolSize)),
		timers:      make(map[*time.Timer]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.policy.Store(opts.Backoff)
	s.blockedWarnAfter.Store(opts.BlockedWarnAfter)
	return s, nil
}

// Options returns the options the scheduler was created with.
func (s *Scheduler) Options() SchedulerOptions {
	return s.opts
}

// Logger returns the scheduler's logger.
func (s *Scheduler) Logger() *slog.Logger {
	return s.logger
}

// Backoff returns the current wait policy.
func (s *Scheduler) Backoff() *backoff.Policy {
	return s.policy.Load()
}

// SetBackoff replaces the wait policy used by dispatchers and senders.
func (s *Scheduler) SetBackoff(p *backoff.Policy) {
	if p != nil {
		s.policy.Store(p)
	}
}

// BlockedWarnAfter returns how long a sender blocks before a warning.
func (s *Scheduler) BlockedWarnAfter() time.Duration {
	return s.blockedWarnAfter.Load()
}

// SetBlockedWarnAfter changes how long a sender blocks before a warning.
func (s *Scheduler) SetBlockedWarnAfter(d time.Duration) {
	s.blockedWarnAfter.Store(d)
}

// Spawn creates a cell running handler and assigns it to a dispatcher.
func (s *Scheduler) Spawn(handler Handler, opts CellOptions) (*Cell, error) {
	return s.spawn(handler, opts, nil)
}

func (s *Scheduler) spawn(handler Handler, opts CellOptions, home *Dispatcher) (*Cell, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closing.Load() {
		return nil, ErrSchedulerClosed
	}

	c := newCell(s, handler, opts)
	if _, ok := handler.(Initializer); ok {
		c.mailbox.Offer(NewEnvelope(c, MethodInit, nil, nil, nil, QueueMailbox))
	}
	if err := s.registry.Register(c); err != nil {
		return nil, err
	}

	s.balanceMu.Lock()
	d := home
	if d == nil || d.terminated.Load() {
		d = s.assignLocked(s.opts.AssignLoad)
	}
	d.addCell(c)
	s.balanceMu.Unlock()
	return c, nil
}

// assignLocked returns a dispatcher for a new or migrating cell: the least
// loaded one if it is below minLoad, otherwise a new one while slots are
// free, otherwise the least loaded one.
func (s *Scheduler) assignLocked(minLoad int) *Dispatcher {
	best := s.leastLoadedLocked(nil)
	if best != nil && best.Load() < minLoad {
		return best
	}
	if d := s.createLocked(); d != nil {
		return d
	}
	return best
}

func (s *Scheduler) leastLoadedLocked(exclude *Dispatcher) *Dispatcher {
	var best *Dispatcher
	bestLoad := math.MaxInt
	for _, d := range s.slots {
		if d == nil || d == exclude {
			continue
		}
		if load := d.Load(); load < bestLoad {
			best, bestLoad = d, load
		}
	}
	return best
}

// createLocked starts a dispatcher in a free slot, or returns nil when the
// table is full.
func (s *Scheduler) createLocked() *Dispatcher {
	for i, d := range s.slots {
		if d == nil {
			d = s.newDispatcherLocked()
			s.slots[i] = d
			d.start()
			return d
		}
	}
	return nil
}

func (s *Scheduler) newDispatcherLocked() *Dispatcher {
	id := s.nextID
	s.nextID++
	d := newDispatcher(s, id, fmt.Sprintf("dispatcher-%d", id))
	s.emit(Event{Kind: EventDispatcherStarted, Dispatcher: d.name})
	return d
}

func (s *Scheduler) slotOfLocked(d *Dispatcher) int {
	for i, x := range s.slots {
		if x == d {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeSlotLocked(d *Dispatcher) {
	if i := s.slotOfLocked(d); i >= 0 {
		s.slots[i] = nil
	}
}

// moveLocked hands c from its current owner d to target. It must run on
// d's runner.
func (s *Scheduler) moveLocked(c *Cell, d, target *Dispatcher) bool {
	if c.running.Load() > 0 || !d.removeCell(c) {
		return false
	}
	target.addCell(c)
	return true
}

// rebalance moves cells from the overloaded dispatcher d to a lightly
// loaded one while the move still narrows the gap. Called by d's runner.
func (s *Scheduler) rebalance(d *Dispatcher) {
	s.balanceMu.Lock()
	defer s.balanceMu.Unlock()

	target := s.assignLocked(d.Load())
	if target == nil || target == d {
		return
	}

	mine := d.QueueSize()
	other := target.QueueSize()
	if other*4/3 > mine {
		return
	}

	moved := 0
	for _, c := range d.Cells() {
		q := c.QueueSize()
		if other+q >= mine-q {
			continue
		}
		if s.moveLocked(c, d, target) {
			other += q
			mine -= q
			moved++
		}
	}

	if moved > 0 {
		s.emit(Event{Kind: EventRebalanced, Dispatcher: d.name, Target: target.name, Moved: moved})
	}
}

// isolate moves every cell except exclude off the blocked dispatcher d.
// d leaves the slot table and a fresh dispatcher takes its place, so new
// cells no longer land on the blocked thread. Called by d's runner.
func (s *Scheduler) isolate(d *Dispatcher, exclude *Cell) {
	s.balanceMu.Lock()
	defer s.balanceMu.Unlock()

	var movable []*Cell
	for _, c := range d.Cells() {
		if c != exclude && c.running.Load() == 0 {
			movable = append(movable, c)
		}
	}
	if len(movable) == 0 {
		return
	}

	var target *Dispatcher
	if i := s.slotOfLocked(d); i >= 0 {
		target = s.newDispatcherLocked()
		s.slots[i] = target
		target.start()
	} else if target = s.leastLoadedLocked(d); target == nil {
		if target = s.createLocked(); target == nil {
			target = s.newDispatcherLocked()
			target.start()
		}
	}
	if !d.isolated.Swap(true) {
		s.isolated.Inc()
	}

	moved := 0
	for _, c := range movable {
		if s.moveLocked(c, d, target) {
			moved++
		}
	}

	excluded := ""
	if exclude != nil {
		excluded = exclude.name
	}
	s.emit(Event{Kind: EventIsolated, Dispatcher: d.name, Target: target.name, Cell: excluded, Moved: moved})
}

// retireIdle moves a fraction of the cells of the idle dispatcher d to a
// peer and takes d out of the slot table, so it can terminate once empty.
// Called by d's runner.
func (s *Scheduler) retireIdle(d *Dispatcher) {
	s.balanceMu.Lock()
	defer s.balanceMu.Unlock()

	target := s.leastLoadedLocked(d)
	if target == nil {
		return
	}
	s.removeSlotLocked(d)
	d.retired.Store(true)

	cells := d.Cells()
	n := min(len(cells), len(cells)/5+1)
	moved := 0
	for _, c := range cells[:n] {
		if s.moveLocked(c, d, target) {
			moved++
		}
	}

	if moved > 0 {
		s.emit(Event{Kind: EventRetired, Dispatcher: d.name, Target: target.name, Moved: moved})
	}
}

// Lookup finds a live cell by ID.
func (s *Scheduler) Lookup(id string) (*Cell, bool) {
	return s.registry.Lookup(id)
}

// Cells returns every live cell.
func (s *Scheduler) Cells() []*Cell {
	return s.registry.List()
}

// Dispatchers returns a snapshot of every dispatcher in the slot table.
func (s *Scheduler) Dispatchers() []DispatcherStatus {
	s.balanceMu.Lock()
	defer s.balanceMu.Unlock()

	var out []DispatcherStatus
	for _, d := range s.slots {
		if d != nil {
			out = append(out, d.Status())
		}
	}
	return out
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() SchedulerStatus {
	s.balanceMu.Lock()
	n := 0
	for _, d := range s.slots {
		if d != nil {
			n++
		}
	}
	s.balanceMu.Unlock()

	return SchedulerStatus{
		Dispatchers:          n,
		DefaultQueueCapacity: s.opts.QueueCapacity,
		Isolated:             int(s.isolated.Load()),
		Cells:                s.registry.Count(),
		DeadLetters:          s.deadLetters.count(),
	}
}

// DeadLetters returns the most recent dead letters, oldest first.
func (s *Scheduler) DeadLetters() []DeadLetter {
	return s.deadLetters.snapshot()
}

func (s *Scheduler) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.events.Emit(e)
}

// FindByName returns a live cell by name.
func (s *Scheduler) FindByName(name string) (*Cell, bool) {
	return s.registry.FindByName(name)
}
