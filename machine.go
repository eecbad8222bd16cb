package taskfsm

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SpawnOption is a functional option for configuring one instance
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	logger        zerolog.Logger
	onStateChange func(from, to StateID)
	onUnexpected  func(state StateID, ev Event)
}

// WithLogger sets the logger for the instance. The default discards
// everything.
func WithLogger(logger zerolog.Logger) SpawnOption {
	return func(c *spawnConfig) {
		c.logger = logger
	}
}

// WithStateChangeFunc sets a callback invoked from the loop goroutine
// after each state change.
func WithStateChangeFunc(fn func(from, to StateID)) SpawnOption {
	return func(c *spawnConfig) {
		c.onStateChange = fn
	}
}

// WithUnexpectedEventFunc sets the observer for events arriving in a
// state with no handler bound. The event is dropped either way and the
// loop continues.
func WithUnexpectedEventFunc(fn func(state StateID, ev Event)) SpawnOption {
	return func(c *spawnConfig) {
		c.onUnexpected = fn
	}
}

// machine hosts one instance: the dispatch loop, the reusable timeout
// timer, and the context value, owned exclusively until join.
type machine[C any] struct {
	spec *Spec[C]
	data C

	q    *inbox
	ctrl *control
	cell *stateCell

	cur            int // index into spec.states
	timer          *time.Timer
	timerC         <-chan time.Time
	timeoutPending bool

	logger        zerolog.Logger
	onStateChange func(from, to StateID)
	onUnexpected  func(state StateID, ev Event)
}

// Spawn constructs an instance in the initial state, arms the
// initial-state timeout if one is declared, and starts the dispatch
// loop on its own goroutine. The context value moves into the instance
// and moves out through the returned Task on termination. Independent
// instances share nothing.
func (s *Spec[C]) Spawn(ctx context.Context, data C, opts ...SpawnOption) (*Handle, *Task[C]) {
	cfg := spawnConfig{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	q := newInbox(s.channelSize)
	ctrl := newControl()
	cell := newStateCell(s.initial)

	runCtx, cancel := context.WithCancel(ctx)
	ctrl.forceCancel = cancel

	refs := &atomic.Int32{}
	refs.Store(1)
	h := &Handle{q: q, ctrl: ctrl, cell: cell, refs: refs}
	t := &Task[C]{done: make(chan struct{})}

	m := &machine[C]{
		spec:          s,
		data:          data,
		q:             q,
		ctrl:          ctrl,
		cell:          cell,
		cur:           s.stateIdx[s.initial],
		logger:        cfg.logger.With().Str("fsm", s.name).Logger(),
		onStateChange: cfg.onStateChange,
		onUnexpected:  cfg.onUnexpected,
	}

	go func() {
		defer close(t.done)
		defer cancel()
		defer q.close()
		defer func() {
			if r := recover(); r != nil {
				var zero C
				t.result = zero
				t.err = &PanicError{Value: r, Stack: debug.Stack()}
				m.logger.Error().Str("event", "fsm.panic").Msgf("instance panicked: %v", r)
			}
		}()
		t.result, t.err = m.run(runCtx)
	}()

	return h, t
}

// run is the dispatch loop. Selection is deterministically biased:
// control beats an armed timer, an armed timer that has fired beats a
// waiting inbox event. A disarmed timer is a nil channel and cannot
// race the select.
func (m *machine[C]) run(ctx context.Context) (C, error) {
	defer m.disarmTimeout()
	if rule := m.spec.timeouts[m.cur]; rule.set {
		m.armTimeout(rule.d)
	}
	m.logger.Debug().
		Str("event", "fsm.start").
		Str("state", string(m.spec.states[m.cur])).
		Msg("instance started")

	for {
		// Control and cancellation outrank everything else. The run
		// context is also cancelled by a forced shutdown, which is a
		// clean exit, not a host cancellation.
		select {
		case <-ctx.Done():
			if m.ctrl.current() == modeForced {
				return m.data, nil
			}
			return m.fail(ErrCanceled)
		case <-m.ctrl.wake:
		default:
		}
		switch m.ctrl.current() {
		case modeForced:
			m.logger.Debug().Str("event", "fsm.shutdown").Msg("forced shutdown")
			return m.data, nil
		case modeGraceful:
			m.q.close()
		}

		// An armed timer that has already fired beats a waiting event.
		if m.timeoutPending {
			m.timeoutPending = false
			res, stop, err := m.step(ctx, Event{ID: eventTimeout})
			if stop || err != nil {
				return res, err
			}
			continue
		}
		if m.timerC != nil {
			select {
			case <-m.timerC:
				m.timerFired()
				res, stop, err := m.step(ctx, Event{ID: eventTimeout})
				if stop || err != nil {
					return res, err
				}
				continue
			default:
			}
		}

		// Once the inbox is closed, drain what is queued and stop.
		if m.q.isClosed() {
			select {
			case ev := <-m.q.ch:
				res, stop, err := m.step(ctx, ev)
				if stop || err != nil {
					return res, err
				}
			default:
				m.logger.Debug().Str("event", "fsm.drained").Msg("inbox drained")
				return m.data, nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			if m.ctrl.current() == modeForced {
				return m.data, nil
			}
			return m.fail(ErrCanceled)
		case <-m.ctrl.wake:
			// Mode is re-read at the top of the loop.
		case <-m.q.done:
			// Producers are gone; the next pass drains.
		case <-m.timerC:
			m.timerFired()
			res, stop, err := m.step(ctx, Event{ID: eventTimeout})
			if stop || err != nil {
				return res, err
			}
		case ev := <-m.q.ch:
			res, stop, err := m.step(ctx, ev)
			if stop || err != nil {
				return res, err
			}
		}
	}
}

func (m *machine[C]) fail(err error) (C, error) {
	var zero C
	return zero, err
}

// step dispatches a single event: state-gated handler lookup, handler
// invocation, transition application and timeout arming. stop reports
// a terminal transition; err terminates the instance.
func (m *machine[C]) step(ctx context.Context, ev Event) (res C, stop bool, err error) {
	state := m.spec.states[m.cur]
	h := m.spec.lookup(m.cur, ev.ID)
	if h == nil {
		m.logger.Debug().
			Str("event", "fsm.unexpected_event").
			Str("state", string(state)).
			Str("fsm_event", string(ev.ID)).
			Msg("no handler bound, dropping event")
		if m.onUnexpected != nil {
			m.onUnexpected(state, ev)
		}
		return res, false, nil
	}

	m.disarmTimeout()

	tr, herr := h.fn(ctx, &m.data, ev)
	if herr != nil {
		return res, false, &HandlerError{State: state, Event: ev.ID, Err: herr}
	}

	next, ok := m.spec.stateIdx[tr.Target()]
	if !ok {
		return res, false, fmt.Errorf("taskfsm: handler %s returned unknown state %q", h.method, tr.Target())
	}

	m.cur = next
	m.cell.store(tr.Target())
	if m.onStateChange != nil && state != tr.Target() {
		m.onStateChange(state, tr.Target())
	}
	m.logger.Debug().
		Str("event", "fsm.transition").
		Str("from", string(state)).
		Str("to", string(tr.Target())).
		Str("fsm_event", string(ev.ID)).
		Msg("transition applied")

	if tr.Terminal() {
		m.logger.Debug().Str("event", "fsm.terminal").Str("state", string(tr.Target())).Msg("terminal transition")
		return m.data, true, nil
	}
	if rule := m.spec.timeouts[next]; rule.set {
		m.armTimeout(rule.d)
	}
	return res, false, nil
}
