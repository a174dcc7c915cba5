package relayconn

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/umbra-im/realtime/internal/protocol"
)

func TestReconnect_OfflineFetchPrecedesQueueFlush(t *testing.T) {
	relay := newFakeRelay(t, true)
	states := make(chan ConnectionState, 16)
	reconnected := make(chan struct{}, 1)
	c := New(Config{
		URL:            relay.url(),
		DID:            "did:key:zAlice",
		ConnectTimeout: 2 * time.Second,
		OnStateChange:  func(s ConnectionState) { states <- s },
		OnReconnected:  func() { reconnected <- struct{}{} },
	})
	defer c.Disconnect()
	c.EnableReconnect(5, 10*time.Millisecond)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.expect(t, protocol.TypeRegister)
	waitState(t, states, StateRegistered)

	c.SimulateDisconnect()
	waitState(t, states, StateReconnecting)

	// Everything sent during the outage is queued in order.
	for _, payload := range []string{"q1", "q2", "q3"} {
		if err := c.SendEnvelope("did:key:zBob", payload); err != nil {
			t.Fatalf("send %s: %v", payload, err)
		}
	}

	waitState(t, states, StateRegistered)
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for OnReconnected")
	}

	// The reconnected transport re-registers, fetches offline messages, and
	// only then flushes the queue, preserving FIFO order.
	relay.expect(t, protocol.TypeRegister)
	relay.expect(t, protocol.TypeFetchOffline)
	for _, want := range []string{"q1", "q2", "q3"} {
		env := relay.expect(t, protocol.TypeSend)
		if env.Payload != want {
			t.Fatalf("flushed payload = %q, want %q", env.Payload, want)
		}
	}
	if c.QueuedCount() != 0 {
		t.Fatalf("queued = %d after flush, want 0", c.QueuedCount())
	}
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	relay := newFakeRelay(t, true)
	states := make(chan ConnectionState, 16)
	gaveUp := make(chan struct{}, 1)
	c := New(Config{
		URL:               relay.url(),
		DID:               "did:key:zAlice",
		ConnectTimeout:    200 * time.Millisecond,
		OnStateChange:     func(s ConnectionState) { states <- s },
		OnReconnectGaveUp: func() { gaveUp <- struct{}{} },
	})
	defer c.Disconnect()
	c.EnableReconnect(3, 5*time.Millisecond)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, states, StateRegistered)

	relay.refuse.Store(true)
	c.SimulateDisconnect()
	waitState(t, states, StateReconnecting)

	select {
	case <-gaveUp:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for OnReconnectGaveUp")
	}
	waitState(t, states, StateDisconnected)
	if got := relay.dials.Load(); got != 1 {
		t.Fatalf("relay accepted %d dials, want 1", got)
	}
}

func TestDisconnect_IsTerminal(t *testing.T) {
	relay := newFakeRelay(t, true)
	states := make(chan ConnectionState, 16)
	c := New(Config{
		URL:            relay.url(),
		DID:            "did:key:zAlice",
		ConnectTimeout: 2 * time.Second,
		OnStateChange:  func(s ConnectionState) { states <- s },
	})
	c.EnableReconnect(5, 5*time.Millisecond)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, states, StateRegistered)

	c.Disconnect()
	waitState(t, states, StateDisconnected)

	// Long enough for several backoff periods; no reconnect may happen.
	time.Sleep(100 * time.Millisecond)
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %q after disconnect, want %q", got, StateDisconnected)
	}
	if got := relay.dials.Load(); got != 1 {
		t.Fatalf("relay accepted %d dials after disconnect, want 1", got)
	}
}

func TestDisableReconnect_CancelsPendingAttempt(t *testing.T) {
	relay := newFakeRelay(t, true)
	states := make(chan ConnectionState, 16)
	c := New(Config{
		URL:            relay.url(),
		DID:            "did:key:zAlice",
		ConnectTimeout: 2 * time.Second,
		OnStateChange:  func(s ConnectionState) { states <- s },
	})
	defer c.Disconnect()
	c.EnableReconnect(5, 50*time.Millisecond)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, states, StateRegistered)

	c.SimulateDisconnect()
	waitState(t, states, StateReconnecting)
	c.DisableReconnect()

	time.Sleep(150 * time.Millisecond)
	if got := relay.dials.Load(); got != 1 {
		t.Fatalf("relay accepted %d dials after DisableReconnect, want 1", got)
	}
}

func TestBackoffDelay_Schedule(t *testing.T) {
	cases := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{time.Second, 0, time.Second},
		{time.Second, 1, 2 * time.Second},
		{time.Second, 2, 4 * time.Second},
		{time.Second, 3, 8 * time.Second},
		{time.Second, 4, 16 * time.Second},
		{time.Second, 5, 30 * time.Second},
		{time.Second, 40, 30 * time.Second},
		{0, 0, time.Second},
		{100 * time.Millisecond, 3, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.base, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%v, %d) = %v, want %v", tc.base, tc.attempt, got, tc.want)
		}
	}
}

func TestReconnect_SendsRacingReconnectAreDelivered(t *testing.T) {
	relay := newFakeRelay(t, true)
	c := New(Config{
		URL:            relay.url(),
		DID:            "did:key:zAlice",
		ConnectTimeout: 2 * time.Second,
	})
	defer c.Disconnect()
	c.EnableReconnect(10, 5*time.Millisecond)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.expect(t, protocol.TypeRegister)

	// Keep sending across the outage and the reconnect window so enqueues
	// race the registered transition. A send can land on the dying socket
	// before the read loop notices the close; those error out and are not
	// counted as accepted.
	c.SimulateDisconnect()
	const total = 40
	accepted := 0
	for i := 0; i < total; i++ {
		if err := c.SendEnvelope("did:key:zBob", fmt.Sprintf("m%d", i)); err == nil {
			accepted++
		}
		time.Sleep(time.Millisecond)
	}
	if accepted == 0 {
		t.Fatal("no sends accepted during the outage")
	}

	// Once registered again, nothing may linger in the queue.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateRegistered && c.QueuedCount() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.QueuedCount(); got != 0 {
		t.Fatalf("queued = %d after reconnect, want 0", got)
	}

	// Every accepted envelope reaches the relay, on either side of the
	// reconnect.
	received := 0
	timeout := time.After(2 * time.Second)
	for received < accepted {
		select {
		case env := <-relay.recv:
			if env.Type == protocol.TypeSend {
				received++
			}
		case <-timeout:
			t.Fatalf("relay received %d of %d sends", received, accepted)
		}
	}
}
