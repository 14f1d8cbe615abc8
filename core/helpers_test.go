package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/najoast/nucleus/future"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, configure ...func(*SchedulerOptions)) (*Scheduler, *eventRecorder) {
	t.Helper()

	rec := &eventRecorder{}
	opts := DefaultSchedulerOptions()
	opts.MaxDispatchers = 2
	opts.AutoShutdown = false
	opts.LockOSThread = false
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Events = rec
	for _, fn := range configure {
		fn(&opts)
	}

	s, err := NewScheduler(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, rec
}

func spawn(t *testing.T, s *Scheduler, name string, handler Handler) *Cell {
	t.Helper()
	c, err := s.Spawn(handler, CellOptions{Name: name})
	require.NoError(t, err)
	return c
}

func await(t *testing.T, f *future.Future) (any, error) {
	t.Helper()
	return f.Await(context.Background(), 5*time.Second)
}

func noop(*Context, []any) (*future.Future, error) {
	return nil, nil
}
