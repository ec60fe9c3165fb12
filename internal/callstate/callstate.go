// Package callstate keeps an observational record of call-setup exchanges
// relayed between peers. It never gates forwarding; it exists so the relay
// can log and count call progress and forget abandoned calls. A call whose
// terminal signal is lost is dropped after the ring TTL while ringing, or
// after the idle TTL once answered.
package callstate

import (
	"sync"
	"time"

	"github.com/TakTek-App/TakTek-App/internal/ratelimit"
)

type State uint8

const (
	StateNone State = iota
	StateRinging
	StateAnswered
	StateRejected
	StateEnded
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateRejected:
		return "rejected"
	case StateEnded:
		return "ended"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Signal is a relayed call-setup message kind.
type Signal uint8

const (
	SignalOffer Signal = iota
	SignalAnswer
	SignalCandidate
	SignalReject
	SignalEnd
	SignalCancel
)

// Transition describes the effect of one observed signal.
type Transition struct {
	Caller string
	Callee string
	From   State
	To     State
	// Unexpected is set when the signal does not fit the current state, e.g.
	// an answer with no ringing call. The signal is still relayed.
	Unexpected bool
}

type session struct {
	caller     string
	callee     string
	state      State
	started    time.Time
	lastSeen   time.Time
	candidates int
}

const (
	DefaultRingTTL = 90 * time.Second
	DefaultIdleTTL = 2 * time.Hour
)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	clock   ratelimit.Clock
	ringTTL time.Duration
	idleTTL time.Duration

	calls map[pairKey]*session
}

type pairKey struct{ a, b string }

func keyOf(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

func NewTracker(clock ratelimit.Clock, ringTTL, idleTTL time.Duration) *Tracker {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if ringTTL <= 0 {
		ringTTL = DefaultRingTTL
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Tracker{
		clock:   clock,
		ringTTL: ringTTL,
		idleTTL: idleTTL,
		calls:   make(map[pairKey]*session),
	}
}

// Observe records that sig was relayed from one identity to another.
func (t *Tracker) Observe(sig Signal, from, to string) Transition {
	now := t.clock.Now()
	k := keyOf(from, to)

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.calls[k]
	cur := StateNone
	if s != nil {
		cur = s.state
		s.lastSeen = now
	}

	switch sig {
	case SignalOffer:
		if s != nil && cur == StateAnswered {
			// Renegotiation within an established call.
			return Transition{Caller: s.caller, Callee: s.callee, From: cur, To: cur}
		}
		s = &session{caller: from, callee: to, state: StateRinging, started: now, lastSeen: now}
		t.calls[k] = s
		return Transition{Caller: from, Callee: to, From: cur, To: StateRinging, Unexpected: cur == StateRinging}

	case SignalAnswer:
		if s == nil || cur != StateRinging || s.callee != from {
			return t.stray(s, from, to, cur)
		}
		s.state = StateAnswered
		return Transition{Caller: s.caller, Callee: s.callee, From: cur, To: StateAnswered}

	case SignalCandidate:
		if s == nil {
			return t.stray(s, from, to, cur)
		}
		s.candidates++
		return Transition{Caller: s.caller, Callee: s.callee, From: cur, To: cur}

	case SignalReject, SignalEnd, SignalCancel:
		next := terminalState(sig)
		if s == nil {
			tr := t.stray(s, from, to, cur)
			tr.To = next
			return tr
		}
		delete(t.calls, k)
		unexpected := (sig == SignalReject || sig == SignalCancel) && cur != StateRinging
		return Transition{Caller: s.caller, Callee: s.callee, From: cur, To: next, Unexpected: unexpected}
	}
	return t.stray(s, from, to, cur)
}

func terminalState(sig Signal) State {
	switch sig {
	case SignalReject:
		return StateRejected
	case SignalCancel:
		return StateCancelled
	default:
		return StateEnded
	}
}

func (t *Tracker) stray(s *session, from, to string, cur State) Transition {
	tr := Transition{Caller: from, Callee: to, From: cur, To: cur, Unexpected: true}
	if s != nil {
		tr.Caller, tr.Callee = s.caller, s.callee
	}
	return tr
}

// State reports the tracked state of the call between two identities.
func (t *Tracker) State(x, y string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.calls[keyOf(x, y)]; ok {
		return s.state
	}
	return StateNone
}

// Forget drops every call involving identity, e.g. when it disconnects.
func (t *Tracker) Forget(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.calls {
		if k.a == identity || k.b == identity {
			delete(t.calls, k)
			n++
		}
	}
	return n
}

// Expire drops calls ringing longer than the ring TTL and answered calls
// with no relayed signal for the idle TTL. It returns how many of each were
// dropped.
func (t *Tracker) Expire() (ringing, idle int) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.calls {
		switch {
		case s.state == StateRinging && now.Sub(s.started) >= t.ringTTL:
			delete(t.calls, k)
			ringing++
		case s.state == StateAnswered && now.Sub(s.lastSeen) >= t.idleTTL:
			delete(t.calls, k)
			idle++
		}
	}
	return ringing, idle
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
