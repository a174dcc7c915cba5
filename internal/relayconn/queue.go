package relayconn

import (
	"sync"
	"sync/atomic"

	"github.com/umbra-im/realtime/internal/protocol"
)

// outboundQueue is a FIFO buffer for envelopes issued while the connection is
// down. Envelopes are appended only when reconnection is enabled and drained
// strictly in insertion order immediately after a successful
// reconnect-and-registration.
type outboundQueue struct {
	mu sync.Mutex

	// maxItems caps the queue length; 0 means unbounded.
	maxItems int
	items    []protocol.ClientEnvelope

	drops atomic.Uint64
}

func newOutboundQueue(maxItems int) *outboundQueue {
	return &outboundQueue{maxItems: maxItems}
}

func (q *outboundQueue) DropCount() uint64 {
	return q.drops.Load()
}

func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends env if it fits within the item budget. It never blocks.
func (q *outboundQueue) Enqueue(env protocol.ClientEnvelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxItems > 0 && len(q.items) >= q.maxItems {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, env)
	return true
}

// DrainAll removes and returns every queued envelope in insertion order.
func (q *outboundQueue) DrainAll() []protocol.ClientEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Requeue puts envelopes back at the front of the queue, preserving their
// relative order. Used when a flush fails partway through.
func (q *outboundQueue) Requeue(items []protocol.ClientEnvelope) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]protocol.ClientEnvelope(nil), items...), q.items...)
}
