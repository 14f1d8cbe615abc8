package core

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/najoast/nucleus/backoff"
)

// MethodID names a message variant understood by a Handler.
type MethodID string

const (
	// MethodStop stops the receiving cell. Stopping twice is a no-op.
	MethodStop MethodID = "stop"

	// MethodPing resolves once every message queued before it was handled.
	MethodPing MethodID = "ping"

	// MethodInit is delivered first to handlers implementing Initializer.
	MethodInit MethodID = "init"

	// methodCallback marks envelopes that run a closure inside the target cell.
	methodCallback MethodID = "#callback"
)

// QueueClass selects which of a cell's two queues an envelope travels in.
type QueueClass uint8

const (
	// QueueMailbox carries one-way calls and requests.
	QueueMailbox QueueClass = iota

	// QueueCallback carries results flowing back to a caller.
	QueueCallback
)

// String returns the string representation of QueueClass.
func (q QueueClass) String() string {
	switch q {
	case QueueMailbox:
		return "mailbox"
	case QueueCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// CellState represents the current state of a cell.
type CellState uint8

const (
	// CellStateIdle means the cell is waiting for messages
	CellStateIdle CellState = iota

	// CellStateRunning means a handler of the cell is executing or suspended
	CellStateRunning

	// CellStateStopped means the cell has been stopped
	CellStateStopped
)

// String returns the string representation of CellState.
func (s CellState) String() string {
	switch s {
	case CellStateIdle:
		return "idle"
	case CellStateRunning:
		return "running"
	case CellStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// DefaultQueueCapacity is the capacity of each cell queue unless configured.
	DefaultQueueCapacity = 32768

	// DefaultAssignLoad is the load below which a dispatcher accepts new cells.
	DefaultAssignLoad = 70

	// DefaultRebalanceLoad is the queue fill percentage that triggers a rebalance.
	DefaultRebalanceLoad = 50

	// DefaultTickInterval is the period of a dispatcher's load check.
	DefaultTickInterval = 500 * time.Microsecond

	// DefaultRebalanceDelay is the minimum dispatcher age before it rebalances.
	DefaultRebalanceDelay = 2 * time.Millisecond

	// DefaultIdleShutdownAfter is the minimum uptime before an idle dispatcher retires.
	DefaultIdleShutdownAfter = 5 * time.Second

	// DefaultBlockedWarnAfter is how long a sender blocks before a warning is emitted.
	DefaultBlockedWarnAfter = 5 * time.Second

	// DefaultInlineDrainThreshold is the number of failed offers after which a
	// blocked callback enqueue starts draining the target inline.
	DefaultInlineDrainThreshold = 2

	// DefaultMaxInlineDepth bounds nested inline draining.
	DefaultMaxInlineDepth = 64

	// DefaultBlockingPoolSize is the number of concurrently running blocking calls.
	DefaultBlockingPoolSize = 16

	// DefaultDeadLetterCapacity is the number of dead letters retained for inspection.
	DefaultDeadLetterCapacity = 1000
)

// SchedulerOptions contains configuration options for creating a Scheduler.
type SchedulerOptions struct {
	// MaxDispatchers caps the number of dispatcher threads in the slot table
	MaxDispatchers int

	// QueueCapacity is the default capacity of each cell queue
	QueueCapacity int

	// AssignLoad is the load below which an existing dispatcher takes new cells
	AssignLoad int

	// RebalanceLoad is the queue fill percentage above which a dispatcher sheds cells
	RebalanceLoad int

	// TickInterval is the period of the load check
	TickInterval time.Duration

	// RebalanceDelay is the minimum dispatcher age before rebalancing
	RebalanceDelay time.Duration

	// AutoShutdown lets idle dispatchers terminate and shed cells
	AutoShutdown bool

	// IdleShutdownAfter is the minimum dispatcher uptime before it may retire
	IdleShutdownAfter time.Duration

	// BlockedWarnAfter is the blocking time after which a warning event is emitted
	BlockedWarnAfter time.Duration

	// InlineDrainThreshold is the failed-offer count that starts inline draining
	InlineDrainThreshold int

	// MaxInlineDepth bounds nested inline draining
	MaxInlineDepth int

	// BlockingPoolSize limits concurrently running blocking calls
	BlockingPoolSize int

	// DeadLetterCapacity is the number of dead letters retained for inspection
	DeadLetterCapacity int

	// LockOSThread pins every dispatcher runner to its own OS thread
	LockOSThread bool

	// Backoff is the wait policy for idle dispatchers and blocked senders
	Backoff *backoff.Policy

	// Logger receives runtime logs; slog.Default() when nil
	Logger *slog.Logger

	// Events receives runtime events; a log sink over Logger when nil
	Events EventSink
}

// DefaultSchedulerOptions returns sensible default options.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		MaxDispatchers:       runtime.NumCPU(),
		QueueCapacity:        DefaultQueueCapacity,
		AssignLoad:           DefaultAssignLoad,
		RebalanceLoad:        DefaultRebalanceLoad,
		TickInterval:         DefaultTickInterval,
		RebalanceDelay:       DefaultRebalanceDelay,
		AutoShutdown:         true,
		IdleShutdownAfter:    DefaultIdleShutdownAfter,
		BlockedWarnAfter:     DefaultBlockedWarnAfter,
		InlineDrainThreshold: DefaultInlineDrainThreshold,
		MaxInlineDepth:       DefaultMaxInlineDepth,
		BlockingPoolSize:     DefaultBlockingPoolSize,
		DeadLetterCapacity:   DefaultDeadLetterCapacity,
		LockOSThread:         true,
	}
}

// Validate reports the first invalid option.
func (o SchedulerOptions) Validate() error {
	switch {
	case o.MaxDispatchers < 1:
		return invalidOption("max dispatchers must be positive, got %d", o.MaxDispatchers)
	case o.QueueCapacity < 1:
		return invalidOption("queue capacity must be positive, got %d", o.QueueCapacity)
	case o.AssignLoad < 0 || o.AssignLoad > 100:
		return invalidOption("assign load must be a percentage, got %d", o.AssignLoad)
	case o.RebalanceLoad < 0 || o.RebalanceLoad > 100:
		return invalidOption("rebalance load must be a percentage, got %d", o.RebalanceLoad)
	case o.TickInterval <= 0:
		return invalidOption("tick interval must be positive, got %v", o.TickInterval)
	case o.BlockingPoolSize < 1:
		return invalidOption("blocking pool size must be positive, got %d", o.BlockingPoolSize)
	case o.MaxInlineDepth < 0:
		return invalidOption("max inline depth must not be negative, got %d", o.MaxInlineDepth)
	}
	return nil
}

// CellOptions contains configuration options for creating a cell.
type CellOptions struct {
	// Name is a human-readable name for the cell
	Name string

	// QueueCapacity overrides the scheduler's default queue capacity when positive
	QueueCapacity int

	// ThrowOnBlock makes sends from this cell fail with ErrBlocked instead of waiting
	ThrowOnBlock bool
}

// DefaultCellOptions returns sensible default options.
func DefaultCellOptions() CellOptions {
	return CellOptions{}
}

// CellStats contains runtime statistics for a cell.
type CellStats struct {
	// ID of the cell
	ID string

	// Name of the cell
	Name string

	// Current state
	State CellState

	// Dispatcher currently owning the cell
	Dispatcher string

	// Total messages processed
	MessagesProcessed uint64

	// Handler failures
	Failures uint64

	// Messages currently in the mailbox
	MailboxSize int

	// Results currently in the callback queue
	CallbackSize int

	// Time when the cell was created
	CreatedAt time.Time

	// Last message processing time
	LastMessageAt time.Time
}

// DispatcherStatus is a snapshot of one dispatcher.
type DispatcherStatus struct {
	// Name of the dispatcher
	Name string

	// Cells currently owned
	Cells int

	// Load is the fill percentage of the fullest owned queue
	Load int

	// QueueSize is the number of envelopes queued across owned cells
	QueueSize int

	// Isolated reports whether the dispatcher was split off a blocked thread
	Isolated bool

	// Suspended is the number of handlers waiting in Await
	Suspended int

	// ThreadID is the OS thread of the current runner, 0 when unknown
	ThreadID int

	// MessagesProcessed counts executed envelopes
	MessagesProcessed uint64

	// StartedAt is the creation time
	StartedAt time.Time
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	// Dispatchers is the number of dispatchers in the slot table
	Dispatchers int

	// DefaultQueueCapacity is the default cell queue capacity
	DefaultQueueCapacity int

	// Isolated is the number of live isolated dispatchers
	Isolated int

	// Cells is the number of live cells
	Cells int

	// DeadLetters is the total number of dead letters recorded
	DeadLetters uint64
}
