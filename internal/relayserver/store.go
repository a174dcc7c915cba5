package relayserver

import (
	"context"
	"sync"

	"github.com/umbra-im/realtime/internal/protocol"
)

// DefaultMaxOfflinePerDID caps how many messages are held for one recipient.
const DefaultMaxOfflinePerDID = 1000

// OfflineStore holds messages for recipients that are not currently
// connected. Queue may reject when the recipient's budget is exhausted;
// Drain removes and returns everything held, oldest first.
type OfflineStore interface {
	Queue(ctx context.Context, toDID string, msg protocol.OfflineMessage) error
	Drain(ctx context.Context, did string) ([]protocol.OfflineMessage, error)
}

// memoryStore is the default in-process offline store.
type memoryStore struct {
	mu     sync.Mutex
	maxPer int
	byDID  map[string][]protocol.OfflineMessage
}

// NewMemoryStore returns an in-memory OfflineStore holding at most maxPerDID
// messages per recipient (DefaultMaxOfflinePerDID when zero).
func NewMemoryStore(maxPerDID int) OfflineStore {
	if maxPerDID <= 0 {
		maxPerDID = DefaultMaxOfflinePerDID
	}
	return &memoryStore{maxPer: maxPerDID, byDID: make(map[string][]protocol.OfflineMessage)}
}

func (s *memoryStore) Queue(_ context.Context, toDID string, msg protocol.OfflineMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.byDID[toDID]
	if len(held) >= s.maxPer {
		return ErrOfflineQuotaExceeded
	}
	s.byDID[toDID] = append(held, msg)
	return nil
}

func (s *memoryStore) Drain(_ context.Context, did string) ([]protocol.OfflineMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.byDID[did]
	delete(s.byDID, did)
	return held, nil
}
