package ratelimit

import (
	"sync"
	"time"
)

// One token is stored as 1e9 nano-tokens so a refill rate of N tokens/sec is
// exactly N nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits inbound signaling frames per connection. It refills at
// an integer rate using fixed-point arithmetic so results do not drift.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	nanos int64
	last  time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		nanos:    toNano(capacity),
		last:     clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.nanos < cost {
		return false
	}
	b.nanos -= cost
	return true
}

// Tokens reports the whole tokens currently available.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.nanos / nanoPerToken
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	// A clock that steps backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	full := toNano(b.capacity)
	missing := full - b.nanos
	if missing <= 0 {
		b.nanos = full
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed.Nanoseconds() >= missing/b.rate {
		b.nanos = full
		return
	}
	b.nanos = min(b.nanos+elapsed.Nanoseconds()*b.rate, full)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
