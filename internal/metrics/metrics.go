package metrics

import "sync"

// Event names incremented by the relay server and the client transport.
const (
	EventRegistered       = "registered"
	EventMessageForwarded = "message_forwarded"
	EventMessageQueued    = "message_queued"
	EventOfflineReplayed  = "offline_replayed"
	EventSignalForwarded  = "signal_forwarded"
	EventFrameDropped     = "frame_dropped"
	EventAuthRejected     = "auth_rejected"
	EventRateLimited      = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type exists to keep relay and transport logic testable while still
// exposing counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
