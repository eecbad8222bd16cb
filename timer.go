package taskfsm

import "time"

// Each instance owns exactly one timer, re-armed in place as the
// machine crosses into states with timeout rules. A disarmed timer is
// represented by a nil channel, which never wins a select. Zero and
// negative durations skip the timer entirely: the timeout is recorded
// as already pending and delivered before any inbox event.

func (m *machine[C]) armTimeout(d time.Duration) {
	if d <= 0 {
		m.timeoutPending = true
		return
	}
	if m.timer == nil {
		m.timer = time.NewTimer(d)
	} else {
		m.timer.Stop()
		m.timer.Reset(d)
	}
	m.timerC = m.timer.C
}

func (m *machine[C]) disarmTimeout() {
	m.timeoutPending = false
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerC = nil
}

// timerFired is called after receiving from the timer channel; the
// timer is spent, so only the armed marker needs clearing.
func (m *machine[C]) timerFired() {
	m.timerC = nil
}
