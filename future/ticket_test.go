package future

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstTicketIsActive(t *testing.T) {
	tm := NewTicketMachine()
	ticket := tm.GetTicket("k")

	require.True(t, ticket.IsDone())
	r, ok := ticket.Value().(*Release)
	require.True(t, ok)
	assert.Equal(t, "k", r.Key())
	assert.Equal(t, 1, tm.Pending("k"))

	r.Done()
	assert.Equal(t, 0, tm.Pending("k"))
}

func TestTicketsActivateInOrder(t *testing.T) {
	const k = 8
	tm := NewTicketMachine()

	var mu sync.Mutex
	var order []int
	tickets := make([]*Future, k)
	for i := 0; i < k; i++ {
		tickets[i] = tm.GetTicket("key")
		tickets[i].Then(func(context.Context, any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	for i := 0; i < k; i++ {
		require.True(t, tickets[i].IsDone(), "ticket %d should be active", i)
		if i+1 < k {
			assert.False(t, tickets[i+1].IsDone(), "ticket %d activated before %d released", i+1, i)
		}
		tickets[i].Value().(*Release).Done()
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
	assert.Equal(t, 0, tm.Pending("key"))
}

func TestTicketKeysAreIndependent(t *testing.T) {
	tm := NewTicketMachine()
	a1 := tm.GetTicket("a")
	a2 := tm.GetTicket("a")
	b1 := tm.GetTicket("b")

	assert.True(t, a1.IsDone())
	assert.False(t, a2.IsDone())
	assert.True(t, b1.IsDone())
}

func TestReleaseIsIdempotent(t *testing.T) {
	tm := NewTicketMachine()
	first := tm.GetTicket(1)
	second := tm.GetTicket(1)
	third := tm.GetTicket(1)

	r := first.Value().(*Release)
	r.Done()
	r.Done()

	assert.True(t, second.IsDone())
	assert.False(t, third.IsDone(), "a repeated release must not skip a ticket")
}

func TestTicketChainFromContinuation(t *testing.T) {
	tm := NewTicketMachine()
	var order []string

	step := func(name string) {
		tm.GetTicket("seq").Then(func(_ context.Context, v any, _ error) {
			order = append(order, name)
			v.(*Release).Done()
		})
	}
	step("a")
	step("b")
	step("c")

	assert.Equal(t, []string{"a", "b", "c"}, order)
}
