package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a runtime event.
type EventKind uint8

const (
	// EventDeadLetter reports a message that could not be delivered.
	EventDeadLetter EventKind = iota

	// EventBlocked reports a sender stuck on a full queue.
	EventBlocked

	// EventIsolated reports cells moved off a blocked dispatcher.
	EventIsolated

	// EventRebalanced reports cells moved off an overloaded dispatcher.
	EventRebalanced

	// EventRetired reports cells moved off an idle dispatcher.
	EventRetired

	// EventDispatcherStarted reports a new dispatcher thread.
	EventDispatcherStarted

	// EventDispatcherStopped reports a terminated dispatcher thread.
	EventDispatcherStopped

	// EventCellStopped reports a cell removed from its dispatcher.
	EventCellStopped

	// EventHandlerFailure reports a handler failure no caller was waiting for.
	EventHandlerFailure
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventDeadLetter:
		return "dead-letter"
	case EventBlocked:
		return "blocked"
	case EventIsolated:
		return "isolated"
	case EventRebalanced:
		return "rebalanced"
	case EventRetired:
		return "retired"
	case EventDispatcherStarted:
		return "dispatcher-started"
	case EventDispatcherStopped:
		return "dispatcher-stopped"
	case EventCellStopped:
		return "cell-stopped"
	case EventHandlerFailure:
		return "handler-failure"
	default:
		return "unknown"
	}
}

// Event is a structured runtime notification.
type Event struct {
	Kind EventKind
	Time time.Time

	// Dispatcher is the dispatcher the event happened on, if any
	Dispatcher string

	// Target is the destination dispatcher of a migration
	Target string

	// Cell is the cell concerned
	Cell string

	// Sender is the sending cell for message related events
	Sender string

	// Method is the message concerned
	Method MethodID

	// Moved is the number of migrated cells
	Moved int

	// Blocked is how long a sender has been waiting
	Blocked time.Duration

	Err error
}

// EventSink receives runtime events. Emit is called synchronously from
// dispatchers and senders and must not block.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

// Emit calls f(e).
func (f EventSinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Emit forwards e to every sink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

type logSink struct {
	logger *slog.Logger
}

// NewLogSink returns an EventSink writing events to logger.
func NewLogSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger}
}

func (s *logSink) Emit(e Event) {
	level := slog.LevelInfo
	switch e.Kind {
	case EventDeadLetter, EventDispatcherStarted, EventDispatcherStopped, EventCellStopped:
		level = slog.LevelDebug
	case EventBlocked, EventHandlerFailure:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{slog.String("event", e.Kind.String())}
	if e.Dispatcher != "" {
		attrs = append(attrs, slog.String("dispatcher", e.Dispatcher))
	}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", e.Target))
	}
	if e.Cell != "" {
		attrs = append(attrs, slog.String("cell", e.Cell))
	}
	if e.Sender != "" {
		attrs = append(attrs, slog.String("sender", e.Sender))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", string(e.Method)))
	}
	if e.Moved > 0 {
		attrs = append(attrs, slog.Int("moved", e.Moved))
	}
	if e.Blocked > 0 {
		attrs = append(attrs, slog.Duration("blocked", e.Blocked))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	s.logger.LogAttrs(context.Background(), level, "nucleus event", attrs...)
}

// DeadLetter records a message that could not be delivered.
type DeadLetter struct {
	Sender string
	Target string
	Method MethodID
	Args   []any
	Time   time.Time
}

// String returns the conventional dead-letter line.
func (d DeadLetter) String() string {
	sender := d.Sender
	if sender == "" {
		sender = "<none>"
	}
	return fmt.Sprintf("DEAD LETTER sender:%s receiver:%s method:%s", sender, d.Target, d.Method)
}

// deadLetterLog keeps the most recent dead letters.
type deadLetterLog struct {
	mu      sync.Mutex
	entries []DeadLetter
	next    int
	full    bool
	total   uint64
}

func newDeadLetterLog(capacity int) *deadLetterLog {
	return &deadLetterLog{entries: make([]DeadLetter, max(capacity, 0))}
}

func (l *deadLetterLog) add(d DeadLetter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	if len(l.entries) == 0 {
		return
	}
	l.entries[l.next] = d
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns retained entries oldest first.
func (l *deadLetterLog) snapshot() []DeadLetter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]DeadLetter(nil), l.entries[:l.next]...)
	}
	out := make([]DeadLetter, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

func (l *deadLetterLog) count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
