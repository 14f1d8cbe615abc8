package future

import (
	"context"
	"time"
)

// Yielder suspends the calling handler until ready reports true while the
// event loop that owns it keeps running. Yield must only be called from the
// goroutine currently executing a handler of that loop.
type Yielder interface {
	Yield(ready func() bool)
}

// Delayer runs fn once after d.
type Delayer interface {
	Delay(d time.Duration, fn func())
}

type yielderKey struct{}

// WithYielder returns a copy of ctx whose Await calls suspend through y.
func WithYielder(ctx context.Context, y Yielder) context.Context {
	return context.WithValue(ctx, yielderKey{}, y)
}

// YielderFrom returns the Yielder carried by ctx, if any.
func YielderFrom(ctx context.Context) Yielder {
	if ctx == nil {
		return nil
	}
	y, _ := ctx.Value(yielderKey{}).(Yielder)
	return y
}
