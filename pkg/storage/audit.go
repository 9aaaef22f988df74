package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one durable audit record: a replica mutation, a sync round,
// or an EMR verification outcome (spec.md §4.4, §4.9 SUPPLEMENTED
// FEATURES).
type AuditEntry struct {
	ID        string
	Action    string
	ReplicaID string
	NodeID    string
	Detail    string
	CreatedAt time.Time
}

// RingBuffer is a fixed-capacity, drop-oldest audit sink sitting in front of
// the durable audit table (SPEC_FULL.md SUPPLEMENTED FEATURES: "replace
// unbounded retry buffered transport with a bounded ring buffer"). Entries
// dropped because the buffer is full are counted, not silently discarded.
type RingBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []AuditEntry
	head     int
	size     int
	dropped  uint64
}

// NewRingBuffer builds a ring buffer with the given capacity. Capacity <= 0
// is clamped to 1 so the buffer always holds at least the newest entry.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{capacity: capacity, entries: make([]AuditEntry, capacity)}
}

// Append records an entry. If the buffer is full, the oldest entry is
// overwritten and the drop counter increments.
func (b *RingBuffer) Append(entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	writeAt := (b.head + b.size) % b.capacity
	if b.size == b.capacity {
		writeAt = b.head
		b.head = (b.head + 1) % b.capacity
		b.dropped++
	} else {
		b.size++
	}
	b.entries[writeAt] = entry
}

// Drain returns every buffered entry in insertion order and empties the
// buffer. Callers use this to flush into the durable audit table.
func (b *RingBuffer) Drain() []AuditEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AuditEntry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%b.capacity]
	}
	b.head, b.size = 0, 0
	return out
}

// Dropped returns the count of entries evicted before being drained.
func (b *RingBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len returns the number of entries currently buffered.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
