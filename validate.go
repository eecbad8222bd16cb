package taskfsm

import (
	"fmt"
	"reflect"
)

// Validate resolves the model's names, discovers the state and event
// alphabets, binds each (state, event) pair to at most one handler,
// and proves every state reachable from the initial state. Diagnostics
// are collected, not short-circuited: one pass reports as many
// problems as possible. On failure the returned error is Diagnostics
// and no Spec is constructed.
func (m *Model[C]) Validate() (*Spec[C], error) {
	v := &validator[C]{
		model:    m,
		stateIdx: make(map[StateID]int),
		eventIdx: make(map[EventID]int),
	}
	return v.run()
}

type validator[C any] struct {
	model *Model[C]
	diags Diagnostics

	states   []StateID
	stateIdx map[StateID]int
	events   []EventID
	eventIdx map[EventID]int
}

func (v *validator[C]) report(kind DiagKind, names []string, format string, args ...any) {
	v.diags = append(v.diags, Diagnostic{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Names:   names,
	})
}

func (v *validator[C]) addState(name string) int {
	id := StateID(name)
	if i, ok := v.stateIdx[id]; ok {
		return i
	}
	v.stateIdx[id] = len(v.states)
	v.states = append(v.states, id)
	return len(v.states) - 1
}

func (v *validator[C]) addEvent(name string) int {
	id := EventID(name)
	if i, ok := v.eventIdx[id]; ok {
		return i
	}
	v.eventIdx[id] = len(v.events)
	v.events = append(v.events, id)
	return len(v.events) - 1
}

func (v *validator[C]) run() (*Spec[C], error) {
	m := v.model
	type bindKey struct{ state, event int }

	// Discovery. The state set is the union of the initial state,
	// every binding state, every declared target and every timeout
	// source; first appearance fixes the index.
	if m.initial == "" {
		v.report(DiagUnknownInitial, []string{m.name},
			"machine %q declares no initial state", m.name)
	} else {
		v.addState(m.initial)
	}
	for i := range m.handlers {
		h := &m.handlers[i]
		for _, b := range h.Bindings {
			if b.State == "" {
				v.report(DiagUnknownState, []string{h.Method},
					"handler %s binds an empty state name", h.Method)
				continue
			}
			v.addState(b.State)
		}
		for _, t := range h.Targets {
			if t == "" {
				v.report(DiagUnknownState, []string{h.Method},
					"handler %s declares an empty target state", h.Method)
				continue
			}
			v.addState(t)
		}
	}
	for _, td := range m.timeouts {
		if td.State == "" {
			v.report(DiagUnknownState, []string{td.Method},
				"timeout for handler %s names an empty state", td.Method)
			continue
		}
		v.addState(td.State)
	}

	// Events in first-occurrence order; the synthetic timeout event
	// goes last, once, when any timeout rule exists.
	for i := range m.handlers {
		for _, b := range m.handlers[i].Bindings {
			if b.Event != "" {
				v.addEvent(b.Event)
			}
		}
	}
	timeoutEv := -1
	if len(m.timeouts) > 0 {
		timeoutEv = v.addEvent(string(eventTimeout))
	}

	// Binding phase: at most one handler per (state, event) pair. The
	// same method binding a pair twice is harmless; two distinct
	// methods on one pair is a diagnostic.
	bound := make(map[bindKey]*HandlerDecl[C])
	for i := range m.handlers {
		h := &m.handlers[i]
		for _, b := range h.Bindings {
			si, okState := v.stateIdx[StateID(b.State)]
			ei, okEvent := v.eventIdx[EventID(b.Event)]
			if !okState || !okEvent {
				continue
			}
			k := bindKey{si, ei}
			if prev, ok := bound[k]; ok {
				if prev.Method != h.Method {
					v.report(DiagDuplicateBinding, []string{b.State, b.Event},
						"event %q in state %q is bound to both %s and %s",
						b.Event, b.State, prev.Method, h.Method)
				}
				continue
			}
			bound[k] = h
		}
	}

	// Timeout phase: at most one rule per source state; the rule binds
	// (source, timeout) to the named handler.
	byMethod := make(map[string]*HandlerDecl[C])
	for i := range m.handlers {
		byMethod[m.handlers[i].Method] = &m.handlers[i]
	}
	timeouts := make([]timeoutRule, len(v.states))
	timeoutTargets := make(map[int][]string)
	for _, td := range m.timeouts {
		si, ok := v.stateIdx[StateID(td.State)]
		if !ok {
			continue
		}
		if timeouts[si].set {
			v.report(DiagDuplicateTimeout, []string{td.State},
				"state %q declares more than one timeout rule", td.State)
			continue
		}
		h, ok := byMethod[td.Method]
		if !ok {
			v.report(DiagUnknownHandler, []string{td.Method, td.State},
				"timeout for state %q references unknown handler %s", td.State, td.Method)
			continue
		}
		if h.Payload != nil {
			v.report(DiagTimeoutPayload, []string{h.Method},
				"timeout handler %s must not declare an event payload", h.Method)
		}
		timeouts[si] = timeoutRule{set: true, d: td.Duration}
		timeoutTargets[si] = h.Targets
		bound[bindKey{si, timeoutEv}] = h
	}

	// Payload consistency: every handler bound to the same event must
	// declare the same payload type, or none.
	type payloadDecl struct {
		t      reflect.Type
		method string
	}
	payloadFor := make(map[int]payloadDecl)
	for i := range m.handlers {
		h := &m.handlers[i]
		seen := make(map[int]bool)
		for _, b := range h.Bindings {
			ei, ok := v.eventIdx[EventID(b.Event)]
			if !ok || seen[ei] {
				continue
			}
			seen[ei] = true
			prev, ok := payloadFor[ei]
			if !ok {
				payloadFor[ei] = payloadDecl{t: h.Payload, method: h.Method}
				continue
			}
			if prev.t != h.Payload {
				v.report(DiagInconsistentEventPayload, []string{b.Event},
					"event %q carries %s in %s but %s in %s",
					b.Event, typeName(prev.t), prev.method, typeName(h.Payload), h.Method)
			}
		}
	}

	// Graph phase: an edge per declared target of every handler bound
	// at a state, timeout handlers included.
	adj := make([][]int, len(v.states))
	for i := range m.handlers {
		h := &m.handlers[i]
		for _, b := range h.Bindings {
			si, ok := v.stateIdx[StateID(b.State)]
			if !ok {
				continue
			}
			for _, t := range h.Targets {
				if ti, ok := v.stateIdx[StateID(t)]; ok {
					adj[si] = append(adj[si], ti)
				}
			}
		}
	}
	for si, targets := range timeoutTargets {
		for _, t := range targets {
			if ti, ok := v.stateIdx[StateID(t)]; ok {
				adj[si] = append(adj[si], ti)
			}
		}
	}

	// Reachability from the initial state. Terminal-only states are
	// permitted; unreachable ones are not.
	if start, ok := v.stateIdx[StateID(m.initial)]; ok && m.initial != "" {
		visited := make([]bool, len(v.states))
		visited[start] = true
		queue := []int{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range adj[cur] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		for i, seen := range visited {
			if !seen {
				v.report(DiagUnreachableState, []string{string(v.states[i])},
					"state %q is unreachable from initial state %q", v.states[i], m.initial)
			}
		}
	}

	if len(v.diags) > 0 {
		return nil, v.diags
	}

	table := make([][]*boundHandler[C], len(v.states))
	for i := range table {
		table[i] = make([]*boundHandler[C], len(v.events))
	}
	for k, h := range bound {
		table[k.state][k.event] = &boundHandler[C]{
			method:    h.Method,
			fn:        h.Fn,
			payload:   h.Payload,
			isTimeout: h.IsTimeout,
		}
	}

	return &Spec[C]{
		name:        m.name,
		initial:     StateID(m.initial),
		channelSize: m.channelSize,
		states:      v.states,
		events:      v.events,
		stateIdx:    v.stateIdx,
		eventIdx:    v.eventIdx,
		table:       table,
		timeouts:    timeouts,
	}, nil
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "no payload"
	}
	return t.String()
}
