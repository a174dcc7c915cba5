package relayserver

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced time source for limiter tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestEnvelopeLimiter_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newEnvelopeLimiter(10, 3, clock.now)

	for i := 0; i < 3; i++ {
		if !l.allow() {
			t.Fatalf("burst envelope %d denied", i)
		}
	}
	if l.allow() {
		t.Fatal("envelope beyond burst allowed")
	}

	// 10/sec refills one envelope every 100ms.
	clock.advance(100 * time.Millisecond)
	if !l.allow() {
		t.Fatal("refilled envelope denied")
	}
	if l.allow() {
		t.Fatal("second envelope allowed after a single refill interval")
	}
}

func TestEnvelopeLimiter_CapsAtBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newEnvelopeLimiter(10, 2, clock.now)

	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !l.allow() {
			t.Fatalf("envelope %d denied after long idle", i)
		}
	}
	if l.allow() {
		t.Fatal("idle time accumulated beyond burst")
	}
}

func TestEnvelopeLimiter_ClockBackwards(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newEnvelopeLimiter(10, 1, clock.now)

	if !l.allow() {
		t.Fatal("initial envelope denied")
	}
	clock.advance(-time.Minute)
	if l.allow() {
		t.Fatal("backwards clock refilled the bucket")
	}
	clock.advance(time.Minute + 100*time.Millisecond)
	if !l.allow() {
		t.Fatal("envelope denied after clock recovered")
	}
}

func TestEnvelopeLimiter_DisabledAllowsEverything(t *testing.T) {
	var l *envelopeLimiter
	for i := 0; i < 1000; i++ {
		if !l.allow() {
			t.Fatal("nil limiter denied an envelope")
		}
	}
	if newEnvelopeLimiter(0, 0, nil) != nil {
		t.Fatal("rate 0 should disable limiting")
	}
}
