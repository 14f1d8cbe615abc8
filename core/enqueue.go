package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/najoast/nucleus/future"
	"github.com/najoast/nucleus/mailbox"
)

// replySink delivers a result to a caller cell through its callback queue,
// so the caller's future settles inside the caller.
type replySink struct {
	s      *Scheduler
	caller *Cell
	result *future.Future
}

// Complete settles the caller's future directly once the caller is stopped.
// Its handler may still be suspended on the result and no longer gets to
// run callbacks.
func (r *replySink) Complete(ctx context.Context, value any, err error) error {
	settle := func(ctx context.Context) {
		_ = r.result.Complete(ctx, value, err)
	}
	if r.caller.stopped.Load() {
		settle(ctx)
		return nil
	}

	env := callbackEnvelope(r.caller, func(c *Context) { settle(c) })
	env.orphan = settle
	env.sender = senderFrom(ctx)
	if err := r.s.enqueue(ctx, env); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	return nil
}

// EnqueueCall builds an envelope and places it on target's mailbox, or on
// its callback queue when callback is set. When wantResult is set it
// returns a future for the handler's result; if sender is a cell the future
// settles inside the sender. Otherwise the returned future is nil.
//
// When the queue is full the call waits with backoff. It fails with
// ErrStopped if target is stopped and with ErrBlocked if sender is
// throw-on-block.
func (s *Scheduler) EnqueueCall(ctx context.Context, sender, target *Cell, method MethodID, args []any, callback, wantResult bool) (*future.Future, error) {
	if target == nil {
		return nil, fmt.Errorf("enqueue %s: nil target", method)
	}

	queue := QueueMailbox
	if callback {
		queue = QueueCallback
	}

	var result *future.Future
	var sink future.Sink
	if wantResult {
		result = future.New()
		sink = result
		if sender != nil {
			sink = &replySink{s: s, caller: sender, result: result}
		}
	}

	if err := s.enqueue(ctx, NewEnvelope(target, method, args, sender, sink, queue)); err != nil {
		return nil, err
	}
	return result, nil
}

// Enqueue places a prebuilt envelope on its target queue with the same
// blocking rules as EnqueueCall.
func (s *Scheduler) Enqueue(ctx context.Context, env *Envelope) error {
	return s.enqueue(ctx, env)
}

func (s *Scheduler) enqueue(ctx context.Context, env *Envelope) error {
	target := env.target
	if target.stopped.Load() {
		return s.rejectStopped(ctx, env)
	}

	q := target.queue(env.queue)
	if !q.Offer(env) {
		if err := s.offerBlocking(ctx, q, env); err != nil {
			return err
		}
	}

	// the owner may have drained the queues before our offer landed
	if target.removed.Load() {
		s.reap(ctx, target)
	}
	return nil
}

func (s *Scheduler) rejectStopped(ctx context.Context, env *Envelope) error {
	if env.method == MethodStop {
		return nil
	}
	s.deadLetter(ctx, env, false)
	return fmt.Errorf("%w: %s", ErrStopped, env)
}

// offerBlocking retries a failed offer through the backoff tiers. A sender
// running on a dispatcher first drains the target inline when it waits on
// a callback queue of a co-located cell, and asks for isolation of its
// dispatcher once the wait reaches the sleeping tier.
func (s *Scheduler) offerBlocking(ctx context.Context, q *mailbox.Mailbox[*Envelope], env *Envelope) error {
	target, sender := env.target, env.sender
	caller := contextFrom(ctx)
	policy := s.Backoff()
	since := time.Now()
	warned, isolated := false, false

	for count := 0; ; count++ {
		if target.stopped.Load() {
			return s.rejectStopped(ctx, env)
		}
		if sender != nil && sender.throwOnBlock.Load() {
			s.emit(Event{
				Kind:   EventBlocked,
				Cell:   target.name,
				Sender: sender.name,
				Method: env.method,
				Err:    ErrBlocked,
			})
			return fmt.Errorf("%w: %s", ErrBlocked, env)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.ctx.Err() != nil {
			return ErrSchedulerClosed
		}

		if caller != nil && env.queue == QueueCallback && count >= s.opts.InlineDrainThreshold {
			if caller.dispatcher.drainInline(target) {
				count = 0
			}
		}

		policy.Wait(count)
		if q.Offer(env) {
			return nil
		}

		if !policy.IsSleeping(count) {
			continue
		}
		if blocked := time.Since(since); !warned && blocked > s.blockedWarnAfter.Load() {
			warned = true
			e := Event{
				Kind:    EventBlocked,
				Cell:    target.name,
				Sender:  senderName(env),
				Method:  env.method,
				Blocked: blocked,
			}
			if caller != nil {
				e.Dispatcher = caller.dispatcher.name
			}
			s.emit(e)
		}
		if !isolated && caller != nil {
			caller.dispatcher.mergePending()
			if len(caller.dispatcher.Cells()) > 1 {
				isolated = true
				s.isolate(caller.dispatcher, caller.self)
			}
		}
	}
}

// deadLetter records an undeliverable envelope. failSink settles the
// envelope's result with ErrStopped for envelopes that were already queued.
// A reply with an orphan handler still reaches its future and is not recorded.
func (s *Scheduler) deadLetter(ctx context.Context, env *Envelope, failSink bool) {
	if env.orphan != nil {
		env.orphan(ctx)
		return
	}
	s.deadLetters.add(DeadLetter{
		Sender: senderName(env),
		Target: env.target.name,
		Method: env.method,
		Args:   env.args,
		Time:   time.Now(),
	})
	s.emit(Event{
		Kind:   EventDeadLetter,
		Cell:   env.target.name,
		Sender: senderName(env),
		Method: env.method,
		Err:    ErrStopped,
	})
	if failSink && env.sink != nil {
		_ = env.sink.Complete(ctx, nil, fmt.Errorf("%w: %s", ErrStopped, env))
	}
}

// reap turns everything still queued for a removed cell into dead letters.
func (s *Scheduler) reap(ctx context.Context, c *Cell) {
	c.reapMu.Lock()
	defer c.reapMu.Unlock()

	for _, q := range []*mailbox.Mailbox[*Envelope]{c.callbacks, c.mailbox} {
		for env, ok := q.Poll(); ok; env, ok = q.Poll() {
			if env.method == MethodStop {
				continue
			}
			s.deadLetter(ctx, env, true)
		}
	}
}
