package hire

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBegin_SecondRequesterConflicts(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := NewTable(clk, time.Minute)

	n, outcome := tbl.Begin("tech", "alice")
	if outcome != Started || n.State != StateRequested {
		t.Fatalf("first Begin=%v/%v, want started/requested", outcome, n.State)
	}

	n, outcome = tbl.Begin("tech", "bob")
	if outcome != Conflict {
		t.Fatalf("second Begin outcome=%v, want %v", outcome, Conflict)
	}
	if n.Requester != "alice" {
		t.Fatalf("conflict holder=%q, want alice", n.Requester)
	}

	if _, outcome := tbl.Begin("tech", "alice"); outcome != Repeated {
		t.Fatalf("repeat Begin outcome=%v, want %v", outcome, Repeated)
	}
	if tbl.Len() != 1 {
		t.Fatalf("len=%d, want 1", tbl.Len())
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		requester string
		accept    bool
		wantOK    bool
		wantState State
	}{
		{name: "accept", requester: "alice", accept: true, wantOK: true, wantState: StateAccepted},
		{name: "reject", requester: "alice", accept: false, wantOK: true, wantState: StateRejected},
		{name: "other requester", requester: "bob", accept: true, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewTable(&fakeClock{now: time.Unix(0, 0)}, time.Minute)
			tbl.Begin("tech", "alice")

			n, ok := tbl.Resolve("tech", tt.requester, tt.accept)
			if ok != tt.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tt.wantOK)
			}
			if !ok {
				if _, outcome := tbl.Begin("tech", "carol"); outcome != Conflict {
					t.Fatalf("mismatched resolve cleared the pending negotiation")
				}
				return
			}
			if n.State != tt.wantState {
				t.Fatalf("state=%v, want %v", n.State, tt.wantState)
			}
			if tbl.Len() != 0 {
				t.Fatalf("len=%d after resolve, want 0", tbl.Len())
			}
		})
	}
}

func TestExpire(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := NewTable(clk, time.Minute)

	tbl.Begin("t1", "alice")
	clk.Advance(30 * time.Second)
	tbl.Begin("t2", "bob")

	if got := tbl.Expire(); len(got) != 0 {
		t.Fatalf("expired=%v, want none", got)
	}

	clk.Advance(30 * time.Second)
	got := tbl.Expire()
	if len(got) != 1 || got[0].Technician != "t1" || got[0].State != StateExpired {
		t.Fatalf("expired=%+v, want [t1 expired]", got)
	}

	// A lapsed negotiation no longer blocks a new requester.
	clk.Advance(30 * time.Second)
	if _, outcome := tbl.Begin("t2", "carol"); outcome != Started {
		t.Fatalf("Begin after ttl outcome=%v, want %v", outcome, Started)
	}
}

func TestRelease(t *testing.T) {
	tbl := NewTable(nil, 0)
	if tbl.Release("tech") {
		t.Fatalf("Release reported a negotiation that never existed")
	}
	tbl.Begin("tech", "alice")
	if !tbl.Release("tech") {
		t.Fatalf("Release missed pending negotiation")
	}
	if _, outcome := tbl.Begin("tech", "bob"); outcome != Started {
		t.Fatalf("Begin after release outcome=%v, want %v", outcome, Started)
	}
}

func TestReleaseRequester(t *testing.T) {
	tbl := NewTable(nil, 0)
	tbl.Begin("t1", "alice")
	tbl.Begin("t2", "alice")
	tbl.Begin("t3", "bob")

	got := tbl.ReleaseRequester("alice")
	if len(got) != 2 {
		t.Fatalf("released=%+v, want both of alice's negotiations", got)
	}
	for _, n := range got {
		if n.Requester != "alice" {
			t.Fatalf("released %+v held by another requester", n)
		}
	}
	if tbl.Len() != 1 {
		t.Fatalf("len=%d, want 1", tbl.Len())
	}
	if _, outcome := tbl.Begin("t1", "carol"); outcome != Started {
		t.Fatalf("Begin after requester release outcome=%v, want %v", outcome, Started)
	}
	if _, outcome := tbl.Begin("t3", "carol"); outcome != Conflict {
		t.Fatalf("bob's negotiation outcome=%v, want %v", outcome, Conflict)
	}
	if got := tbl.ReleaseRequester("nobody"); len(got) != 0 {
		t.Fatalf("released=%+v for unknown requester", got)
	}
}
