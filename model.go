package taskfsm

import (
	"context"
	"reflect"
	"time"
)

// HandlerFunc is the body of a handler. It receives exclusive mutable
// access to the user context for its duration and returns the
// transition to apply, or an error that terminates the instance.
type HandlerFunc[C any] func(ctx context.Context, c *C, ev Event) (Transition, error)

// Binding pairs a source state with the event a handler accepts there.
type Binding struct {
	State string
	Event string
}

// HandlerDecl is one declared handler: its method name, the (state,
// event) pairs it binds, its declared transition targets and payload
// type. Names are unresolved strings; resolution is the validator's
// job.
type HandlerDecl[C any] struct {
	Method    string
	Fn        HandlerFunc[C]
	Bindings  []Binding
	Targets   []string
	Payload   reflect.Type
	IsTimeout bool
}

// TimeoutDecl declares a per-state timeout: entering State arms a
// timer for Duration, and its expiry dispatches to the handler named
// by Method.
type TimeoutDecl struct {
	State    string
	Duration time.Duration
	Method   string
}

// Model is the semantic model of one machine declaration, built up by
// the fluent methods below and consumed by Validate. It is purely
// syntactic: states and events are named by string and nothing is
// checked until validation.
type Model[C any] struct {
	name        string
	initial     string
	channelSize int
	handlers    []HandlerDecl[C]
	timeouts    []TimeoutDecl
}

const defaultChannelSize = 64

// NewModel starts a machine declaration with the given name.
func NewModel[C any](name string) *Model[C] {
	return &Model[C]{
		name:        name,
		channelSize: defaultChannelSize,
	}
}

// Initial sets the initial state.
func (m *Model[C]) Initial(state string) *Model[C] {
	m.initial = state
	return m
}

// ChannelSize sets the inbox capacity. Values below 1 are ignored and
// the capacity stays as it was (64 unless set earlier).
func (m *Model[C]) ChannelSize(n int) *Model[C] {
	if n > 0 {
		m.channelSize = n
	}
	return m
}

// Handle declares a handler method.
func (m *Model[C]) Handle(method string, fn HandlerFunc[C], opts ...HandlerOption) *Model[C] {
	cfg := handlerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	m.handlers = append(m.handlers, HandlerDecl[C]{
		Method:    method,
		Fn:        fn,
		Bindings:  cfg.bindings,
		Targets:   cfg.targets,
		Payload:   cfg.payload,
		IsTimeout: cfg.isTimeout,
	})
	return m
}

// Timeout declares a per-state timeout rule. The method must name a
// handler declared with AsTimeout.
func (m *Model[C]) Timeout(state string, d time.Duration, method string) *Model[C] {
	m.timeouts = append(m.timeouts, TimeoutDecl{
		State:    state,
		Duration: d,
		Method:   method,
	})
	return m
}

// HandlerOption is a functional option for a handler declaration
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	bindings  []Binding
	targets   []string
	payload   reflect.Type
	isTimeout bool
}

// On binds the handler to the given event in each of the listed
// states. Repeatable: a single handler may bind several (state, event)
// pairs and runs the same body regardless of the entry state.
func On(event string, states ...string) HandlerOption {
	return func(c *handlerConfig) {
		for _, s := range states {
			c.bindings = append(c.bindings, Binding{State: s, Event: event})
		}
	}
}

// Goto declares the handler's transition targets. Every state the
// handler may return must be listed; the validator records them as
// edges of the transition graph.
func Goto(states ...string) HandlerOption {
	return func(c *handlerConfig) {
		c.targets = append(c.targets, states...)
	}
}

// Payload declares the payload type carried by the handler's bound
// event. All handlers bound to the same event must agree on it.
func Payload[T any]() HandlerOption {
	return func(c *handlerConfig) {
		c.payload = reflect.TypeOf((*T)(nil)).Elem()
	}
}

// AsTimeout marks a timeout handler. It takes no bindings and no
// payload of its own; Timeout declarations bind it by method name.
func AsTimeout() HandlerOption {
	return func(c *handlerConfig) {
		c.isTimeout = true
	}
}
