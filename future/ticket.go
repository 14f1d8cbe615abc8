package future

import (
	"context"
	"sync"
)

// TicketMachine serializes asynchronous operations that share a key. Each
// GetTicket call queues behind the tickets already issued for the key, and a
// ticket becomes active only after its predecessor called Done on its
// Release. A holder that never calls Done blocks the key forever.
type TicketMachine struct {
	mu     sync.Mutex
	queues map[any][]*Release
}

// Release is handed to the holder of an active ticket.
type Release struct {
	tm    *TicketMachine
	key   any
	start *Future
	once  sync.Once
}

// NewTicketMachine creates an empty TicketMachine.
func NewTicketMachine() *TicketMachine {
	return &TicketMachine{queues: make(map[any][]*Release)}
}

// GetTicket returns a future that is fulfilled with a *Release once the
// ticket becomes active. The first ticket for an idle key is active
// immediately.
func (tm *TicketMachine) GetTicket(key any) *Future {
	r := &Release{tm: tm, key: key, start: New()}

	tm.mu.Lock()
	q := append(tm.queues[key], r)
	tm.queues[key] = q
	first := len(q) == 1
	tm.mu.Unlock()

	if first {
		r.activate()
	}
	return r.start
}

// Pending returns the number of issued, unreleased tickets for key,
// including the active one.
func (tm *TicketMachine) Pending(key any) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.queues[key])
}

// Key returns the key the ticket was issued for.
func (r *Release) Key() any {
	return r.key
}

// Done ends the ticket and activates the next one queued for the same key.
// Calls after the first are ignored.
func (r *Release) Done() {
	r.once.Do(r.tm.release(r))
}

func (r *Release) activate() {
	_ = r.start.Complete(context.Background(), r, nil)
}

func (tm *TicketMachine) release(r *Release) func() {
	return func() {
		tm.mu.Lock()
		q := tm.queues[r.key]
		if len(q) == 0 || q[0] != r {
			tm.mu.Unlock()
			return
		}
		q = q[1:]
		var next *Release
		if len(q) == 0 {
			delete(tm.queues, r.key)
		} else {
			tm.queues[r.key] = q
			next = q[0]
		}
		tm.mu.Unlock()

		if next != nil {
			next.activate()
		}
	}
}
