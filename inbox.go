package taskfsm

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrFull is returned by TrySend when the inbox is at capacity.
	ErrFull = errors.New("taskfsm: inbox full")
	// ErrClosed is returned when the inbox no longer accepts events.
	ErrClosed = errors.New("taskfsm: inbox closed")
)

// inbox is the bounded multi-producer single-consumer event queue
// owned by one instance. Producers block in send when it is full; that
// is the machine's only backpressure mechanism. Closing stops
// admission and wakes blocked producers, but events already admitted
// stay queued for the loop to drain.
type inbox struct {
	ch     chan Event
	done   chan struct{}
	closed atomic.Bool
}

func newInbox(size int) *inbox {
	return &inbox{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// send blocks until the event is admitted, the inbox closes, or ctx is
// cancelled.
func (q *inbox) send(ctx context.Context, ev Event) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend admits the event only if capacity is immediately available.
func (q *inbox) trySend(ev Event) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrFull
	}
}

// close is idempotent.
func (q *inbox) close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

func (q *inbox) isClosed() bool {
	return q.closed.Load()
}
