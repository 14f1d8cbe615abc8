package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/nucleus/future"
)

// Delay runs fn once after d on a timer goroutine. Pending delays are
// dropped when the scheduler shuts down. Delay implements future.Delayer.
func (s *Scheduler) Delay(d time.Duration, fn func()) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closing.Load() {
		return
	}

	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.timersMu.Lock()
		delete(s.timers, t)
		s.timersMu.Unlock()

		if s.ctx.Err() == nil {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Scheduler) stopTimers() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
}

// RunBlocking runs fn on the bounded blocking pool, off every dispatcher.
// When sender is a cell the returned future settles inside it.
func (s *Scheduler) RunBlocking(sender *Cell, fn func() (any, error)) *future.Future {
	result := future.New()
	var sink future.Sink = result
	if sender != nil {
		sink = &replySink{s: s, caller: sender, result: result}
	}

	s.closeMu.RLock()
	if s.closing.Load() {
		s.closeMu.RUnlock()
		return future.Failed(ErrSchedulerClosed)
	}
	s.blockingWG.Add(1)
	s.closeMu.RUnlock()

	go func() {
		defer s.blockingWG.Done()

		if err := s.blocking.Acquire(s.ctx, 1); err != nil {
			_ = sink.Complete(context.Background(), nil, ErrSchedulerClosed)
			return
		}
		value, err := runGuarded(fn)
		s.blocking.Release(1)

		if serr := sink.Complete(context.Background(), value, err); serr != nil {
			s.logger.Debug("blocking call result dropped", "error", serr)
		}
	}()
	return result
}

func runGuarded(fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, pkgerrors.WithStack(fmt.Errorf("blocking call panicked: %v", r))
		}
	}()
	return fn()
}

// Shutdown stops every cell and waits until dispatchers and blocking calls
// have finished. When ctx expires first, remaining dispatchers are told to
// exit and ctx's error is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closing.Load() {
		s.closeMu.Unlock()
		return nil
	}
	s.closing.Store(true)
	s.closeMu.Unlock()

	s.stopTimers()

	for _, c := range s.registry.List() {
		if err := c.Stop(ctx); err != nil {
			s.logger.Warn("failed to stop cell", "cell", c.name, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return waitGroup(gctx, &s.wg) })
	g.Go(func() error { return waitGroup(gctx, &s.blockingWG) })
	err := g.Wait()

	s.cancel()
	if err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}

// IsClosed reports whether Shutdown has been called.
func (s *Scheduler) IsClosed() bool {
	return s.closing.Load()
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
