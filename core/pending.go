package core

import (
	"go.uber.org/atomic"
)

type pendingNode struct {
	next atomic.Pointer[pendingNode]
	cell *Cell
}

// pendingQueue buffers cells handed to a dispatcher until its next tick.
// Any goroutine may push; only the dispatcher's current runner pops.
type pendingQueue struct {
	head atomic.Pointer[pendingNode] // consumer side
	_    [56]byte
	tail atomic.Pointer[pendingNode] // producer side
}

func newPendingQueue() *pendingQueue {
	stub := &pendingNode{}
	q := &pendingQueue{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

func (q *pendingQueue) push(c *Cell) {
	n := &pendingNode{cell: c}
	prev := q.tail.Swap(n)
	prev.next.Store(n)
}

func (q *pendingQueue) pop() *Cell {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil
	}
	q.head.Store(next)
	c := next.cell
	next.cell = nil
	return c
}

func (q *pendingQueue) isEmpty() bool {
	return q.head.Load().next.Load() == nil
}
