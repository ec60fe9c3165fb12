// Package hire tracks in-flight hire negotiations so a technician is offered
// to at most one requester at a time.
package hire

import (
	"sort"
	"sync"
	"time"

	"github.com/TakTek-App/TakTek-App/internal/ratelimit"
)

type State uint8

const (
	StateIdle State = iota
	StateRequested
	StateAccepted
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Negotiation is keyed by the technician's identity key.
type Negotiation struct {
	Technician  string
	Requester   string
	State       State
	RequestedAt time.Time
}

// Outcome classifies a Begin call.
type Outcome uint8

const (
	// Started means no negotiation was pending and one was created.
	Started Outcome = iota
	// Repeated means the same requester asked again while pending.
	Repeated
	// Conflict means another requester holds the technician.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Repeated:
		return "repeated"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

const DefaultTTL = 60 * time.Second

// Table holds pending negotiations. Only StateRequested entries are stored;
// terminal states are returned to the caller and forgotten.
type Table struct {
	mu    sync.Mutex
	clock ratelimit.Clock
	ttl   time.Duration

	pending map[string]Negotiation
}

func NewTable(clock ratelimit.Clock, ttl time.Duration) *Table {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		clock:   clock,
		ttl:     ttl,
		pending: make(map[string]Negotiation),
	}
}

// Begin records that requester wants technician. An expired entry for the
// technician is treated as absent.
func (t *Table) Begin(technician, requester string) (Negotiation, Outcome) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.pending[technician]; ok && !t.expiredLocked(cur, now) {
		if cur.Requester == requester {
			return cur, Repeated
		}
		return cur, Conflict
	}
	n := Negotiation{
		Technician:  technician,
		Requester:   requester,
		State:       StateRequested,
		RequestedAt: now,
	}
	t.pending[technician] = n
	return n, Started
}

// Resolve closes the negotiation between technician and requester. It
// returns false when no matching negotiation is pending; a pending
// negotiation held by a different requester is left untouched.
func (t *Table) Resolve(technician, requester string, accepted bool) (Negotiation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.pending[technician]
	if !ok || cur.Requester != requester {
		return Negotiation{}, false
	}
	delete(t.pending, technician)
	if accepted {
		cur.State = StateAccepted
	} else {
		cur.State = StateRejected
	}
	return cur, true
}

// Release drops any negotiation for technician regardless of requester.
func (t *Table) Release(technician string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[technician]
	delete(t.pending, technician)
	return ok
}

// ReleaseRequester drops every negotiation held by requester and returns
// them, e.g. when the requester goes offline and can no longer be answered.
func (t *Table) ReleaseRequester(requester string) []Negotiation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Negotiation
	for k, n := range t.pending {
		if n.Requester != requester {
			continue
		}
		delete(t.pending, k)
		out = append(out, n)
	}
	return out
}

// Expire removes negotiations older than the TTL and returns them in
// StateExpired, oldest first.
func (t *Table) Expire() []Negotiation {
	now := t.clock.Now()

	t.mu.Lock()
	var out []Negotiation
	for k, n := range t.pending {
		if !t.expiredLocked(n, now) {
			continue
		}
		delete(t.pending, k)
		n.State = StateExpired
		out = append(out, n)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) expiredLocked(n Negotiation, now time.Time) bool {
	return now.Sub(n.RequestedAt) >= t.ttl
}
