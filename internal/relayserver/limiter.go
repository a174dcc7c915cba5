package relayserver

import (
	"sync"
	"time"
)

// nanoPerEnvelope is the fixed-point scale: one envelope of budget is 1e9
// nano-envelopes, so a rate of N envelopes/sec refills N nano-envelopes per
// nanosecond without float rounding.
const nanoPerEnvelope int64 = int64(time.Second)

// envelopeLimiter is a per-connection token bucket over protocol envelopes.
// A connection starts with a full burst and refills at rate envelopes/sec.
type envelopeLimiter struct {
	mu sync.Mutex

	now func() time.Time

	rate      int64 // envelopes/sec
	burst     int64 // envelopes
	available int64 // nano-envelopes
	last      time.Time
}

// newEnvelopeLimiter returns nil when rate <= 0 (limiting disabled); the nil
// receiver's allow always succeeds.
func newEnvelopeLimiter(rate, burst int64, now func() time.Time) *envelopeLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = rate
	}
	if now == nil {
		now = time.Now
	}
	return &envelopeLimiter{
		now:       now,
		rate:      rate,
		burst:     burst,
		available: burst * nanoPerEnvelope,
		last:      now(),
	}
}

// allow consumes one envelope of budget if available.
func (l *envelopeLimiter) allow() bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.available < nanoPerEnvelope {
		return false
	}
	l.available -= nanoPerEnvelope
	return true
}

func (l *envelopeLimiter) refillLocked() {
	now := l.now()
	if now.Before(l.last) {
		// Clock went backwards; move the reference point without refilling.
		l.last = now
		return
	}
	elapsed := now.Sub(l.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	capacity := l.burst * nanoPerEnvelope
	need := capacity - l.available
	if need <= 0 {
		l.available = capacity
		return
	}

	// rate envelopes/sec equals rate nano-envelopes per nanosecond. Clamp to
	// capacity before multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/l.rate {
		l.available = capacity
		return
	}
	l.available += elapsed * l.rate
}
