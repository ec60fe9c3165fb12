package ratelimit

import "time"

// Clock abstracts time for deterministic tests. It is shared by every
// time-driven component in the relay (rate limits, negotiation expiry, call
// ring timeouts).
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
