package relayserver

import (
	"context"
	"errors"
	"testing"

	"github.com/umbra-im/realtime/internal/protocol"
)

func TestMemoryStore_DrainsInOrderAndEmpties(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	for i, payload := range []string{"a", "b", "c"} {
		err := store.Queue(ctx, "did:key:zBob", protocol.OfflineMessage{
			ID:        string(rune('0' + i)),
			FromDID:   "did:key:zAlice",
			Payload:   payload,
			Timestamp: int64(i),
		})
		if err != nil {
			t.Fatalf("queue %s: %v", payload, err)
		}
	}

	msgs, err := store.Drain(ctx, "did:key:zBob")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("drained %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].Payload != want {
			t.Fatalf("msgs[%d] = %q, want %q", i, msgs[i].Payload, want)
		}
	}

	again, err := store.Drain(ctx, "did:key:zBob")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second drain returned %d messages", len(again))
	}
}

func TestMemoryStore_PerRecipientQuota(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	msg := protocol.OfflineMessage{ID: "x", FromDID: "did:key:zAlice", Payload: "p"}
	if err := store.Queue(ctx, "did:key:zBob", msg); err != nil {
		t.Fatalf("first queue: %v", err)
	}
	if err := store.Queue(ctx, "did:key:zBob", msg); err != nil {
		t.Fatalf("second queue: %v", err)
	}
	if err := store.Queue(ctx, "did:key:zBob", msg); !errors.Is(err, ErrOfflineQuotaExceeded) {
		t.Fatalf("third queue err = %v, want ErrOfflineQuotaExceeded", err)
	}

	// Quota is per recipient.
	if err := store.Queue(ctx, "did:key:zCarol", msg); err != nil {
		t.Fatalf("other recipient: %v", err)
	}
}
