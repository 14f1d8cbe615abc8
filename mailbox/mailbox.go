// Package mailbox provides the bounded queue that backs every cell's mailbox
// and callback queue.
//
// Mailbox is a lock-free ring buffer built on per-slot sequence numbers. Any
// number of goroutines may Offer concurrently. Poll is safe for concurrent use
// as well, but the runtime only ever polls a cell's queues from the goroutine
// that currently owns the cell, which keeps per-producer ordering intact.
package mailbox

import (
	"sync/atomic"
)

// MinCapacity is the smallest capacity a Mailbox is created with.
const MinCapacity = 2

// Mailbox is a bounded multi-producer queue with a power-of-two capacity.
// Offer never blocks; a full Mailbox rejects the item and leaves it to the
// caller to wait and retry.
type Mailbox[T any] struct {
	_    [64]byte
	mask uint64
	_    [56]byte
	head atomic.Uint64 // next position to poll
	_    [56]byte
	tail atomic.Uint64 // next position to offer
	_    [56]byte
	slots []slot[T]
}

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// New creates a Mailbox holding at least capacity items. The capacity is
// rounded up to the next power of two.
func New[T any](capacity int) *Mailbox[T] {
	size := uint64(MinCapacity)
	for size < uint64(max(capacity, 0)) {
		size <<= 1
	}

	m := &Mailbox[T]{
		mask:  size - 1,
		slots: make([]slot[T], size),
	}
	for i := range m.slots {
		m.slots[i].seq.Store(uint64(i))
	}
	return m
}

// Offer appends v. It returns false when the Mailbox is full.
func (m *Mailbox[T]) Offer(v T) bool {
	for {
		pos := m.tail.Load()
		s := &m.slots[pos&m.mask]
		dif := int64(s.seq.Load()) - int64(pos)
		switch {
		case dif == 0:
			if m.tail.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
		case dif < 0:
			return false
		}
		// another producer claimed pos first; reload
	}
}

// Poll removes and returns the oldest item.
func (m *Mailbox[T]) Poll() (T, bool) {
	var zero T
	for {
		pos := m.head.Load()
		s := &m.slots[pos&m.mask]
		dif := int64(s.seq.Load()) - int64(pos+1)
		switch {
		case dif == 0:
			if m.head.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + m.mask + 1)
				return v, true
			}
		case dif < 0:
			return zero, false
		}
	}
}

// Peek returns the oldest item without removing it. It is only meaningful
// for the goroutine that polls the Mailbox.
func (m *Mailbox[T]) Peek() (T, bool) {
	var zero T
	pos := m.head.Load()
	s := &m.slots[pos&m.mask]
	if s.seq.Load() != pos+1 {
		return zero, false
	}
	return s.val, true
}

// Size returns the approximate number of queued items.
func (m *Mailbox[T]) Size() int {
	for {
		head := m.head.Load()
		tail := m.tail.Load()
		if m.head.Load() != head {
			continue
		}
		n := int64(tail) - int64(head)
		if n < 0 {
			return 0
		}
		if n > int64(len(m.slots)) {
			return len(m.slots)
		}
		return int(n)
	}
}

// Cap returns the capacity.
func (m *Mailbox[T]) Cap() int {
	return len(m.slots)
}

// IsEmpty reports whether no item is queued.
func (m *Mailbox[T]) IsEmpty() bool {
	return m.Size() == 0
}

// Load returns the fill level as a percentage of capacity.
func (m *Mailbox[T]) Load() int {
	return m.Size() * 100 / len(m.slots)
}

// IsPressured reports whether the Mailbox is more than half full. It is a
// hint for producers, not a limit.
func (m *Mailbox[T]) IsPressured() bool {
	return m.Size()*2 > len(m.slots)
}
