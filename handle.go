package taskfsm

import (
	"context"
	"sync"
	"sync/atomic"
)

// shutdownMode only ever moves forward: forced overrides graceful, and
// repeating a signal is a no-op. That makes both shutdown calls
// idempotent.
type shutdownMode int32

const (
	modeNone shutdownMode = iota
	modeGraceful
	modeForced
)

// control carries out-of-band shutdown notifications to the loop. The
// wake channel has capacity 1 and never blocks a signaller. A forced
// shutdown additionally cancels the context handlers run under, so an
// in-flight handler is interrupted at its next suspension point.
type control struct {
	wake        chan struct{}
	mode        atomic.Int32
	forceCancel func()
}

func newControl() *control {
	return &control{wake: make(chan struct{}, 1)}
}

func (c *control) signal(m shutdownMode) {
	for {
		cur := shutdownMode(c.mode.Load())
		if cur >= m {
			break
		}
		if c.mode.CompareAndSwap(int32(cur), int32(m)) {
			break
		}
	}
	if m == modeForced && c.forceCancel != nil {
		c.forceCancel()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *control) current() shutdownMode {
	return shutdownMode(c.mode.Load())
}

// stateCell publishes the current state. The loop stores after each
// handler completes; handles read lock-free, so a reader may lag the
// loop by one transition.
type stateCell struct {
	v  atomic.Value // StateID
	mu sync.Mutex
	ch chan struct{} // closed and replaced on every store
}

func newStateCell(initial StateID) *stateCell {
	c := &stateCell{ch: make(chan struct{})}
	c.v.Store(initial)
	return c
}

func (c *stateCell) store(id StateID) {
	c.mu.Lock()
	c.v.Store(id)
	close(c.ch)
	c.ch = make(chan struct{})
	c.mu.Unlock()
}

func (c *stateCell) load() StateID {
	id, _ := c.v.Load().(StateID)
	return id
}

// changed returns a channel closed at the next store.
func (c *stateCell) changed() <-chan struct{} {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	return ch
}

// Handle is the producer-side reference to a running instance: it
// sends events and controls, and snapshots the current state. Handles
// may be cloned for additional producers; the inbox closes when the
// last clone is closed.
type Handle struct {
	q      *inbox
	ctrl   *control
	cell   *stateCell
	refs   *atomic.Int32
	closed atomic.Bool
}

// Send queues an event, waiting for inbox capacity. It returns
// ErrClosed once the instance no longer accepts events, or ctx's error
// if the wait is cancelled.
func (h *Handle) Send(ctx context.Context, ev Event) error {
	return h.q.send(ctx, ev)
}

// TrySend queues an event without waiting. It returns ErrFull when the
// inbox is at capacity and ErrClosed once the instance no longer
// accepts events.
func (h *Handle) TrySend(ev Event) error {
	return h.q.trySend(ev)
}

// CurrentState returns a snapshot of the last observed state. It may
// lag the loop by one transition.
func (h *Handle) CurrentState() StateID {
	return h.cell.load()
}

// WaitForState blocks until the instance is observed in the target
// state or ctx is cancelled.
func (h *Handle) WaitForState(ctx context.Context, target StateID) error {
	for {
		ch := h.cell.changed()
		if h.cell.load() == target {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ShutdownGraceful closes the inbox; events already queued still run,
// then the instance terminates. Idempotent.
func (h *Handle) ShutdownGraceful() {
	h.q.close()
	h.ctrl.signal(modeGraceful)
}

// ShutdownForced terminates the instance as soon as the current
// handler yields, without draining the inbox. Idempotent and it
// overrides a graceful shutdown already in progress.
func (h *Handle) ShutdownForced() {
	h.ctrl.signal(modeForced)
}

// Clone returns an additional producer sharing the same inbox.
func (h *Handle) Clone() *Handle {
	h.refs.Add(1)
	return &Handle{q: h.q, ctrl: h.ctrl, cell: h.cell, refs: h.refs}
}

// Close releases this producer. Closing the last producer closes the
// inbox: the loop drains whatever is already queued and terminates.
// Close does not force the instance to stop early.
func (h *Handle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		if h.refs.Add(-1) == 0 {
			h.q.close()
		}
	}
}
