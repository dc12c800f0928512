// Package dedup provides a bounded, insertion-ordered set of previously
// processed event identifiers. It answers "have I seen this event?" for
// both delivery paths and evicts the oldest half of its entries when the
// capacity is reached, so memory stays bounded under sustained traffic.
package dedup

import (
	"sync"
)

// DefaultCapacity matches the upstream publisher's practical event volume:
// at one event per plan mutation, 10k entries cover weeks of traffic.
const DefaultCapacity = 10_000

// Ledger is a fixed-capacity FIFO set with O(1) membership lookup.
// Eviction is strictly by insertion order, never by recency of access.
//
// All methods are safe for concurrent use; the ingestion gateway relies
// on CheckAndMark being a single uninterruptible operation so the same
// event arriving on both delivery paths cannot race past deduplication.
type Ledger struct {
	mu       sync.Mutex
	ring     []string
	index    map[string]struct{}
	capacity int
	head     int // next write position
	tail     int // oldest entry position
	size     int

	// Counters exposed through Stats for observability
	marked     int64
	duplicates int64
	pruned     int64
}

// Stats reports ledger activity counters.
type Stats struct {
	Size       int
	Capacity   int
	Marked     int64
	Duplicates int64
	Pruned     int64
}

// NewLedger creates a ledger holding at most capacity identifiers.
// A capacity below 2 is raised to 2 so pruning always makes progress.
func NewLedger(capacity int) *Ledger {
	if capacity < 2 {
		capacity = 2
	}
	return &Ledger{
		ring:     make([]string, capacity),
		index:    make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Seen reports whether id has been marked. It does not mutate the ledger.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	_, ok := l.index[id]
	l.mu.Unlock()
	return ok
}

// Mark records id as processed. Marking an already-known id is a no-op.
func (l *Ledger) Mark(id string) {
	l.mu.Lock()
	l.insert(id)
	l.mu.Unlock()
}

// CheckAndMark marks id and reports whether it was newly inserted.
// The check and the mark happen under one lock acquisition, which is the
// at-most-once guarantee the gateway depends on.
func (l *Ledger) CheckAndMark(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[id]; ok {
		l.duplicates++
		return false
	}
	l.insert(id)
	return true
}

// insert adds id, evicting the oldest half first if the ring is full.
// Caller must hold l.mu.
func (l *Ledger) insert(id string) {
	if _, ok := l.index[id]; ok {
		return
	}

	if l.size == l.capacity {
		// Evict down to half capacity in one pass rather than one entry
		// per insert, so sustained overflow stays O(1) amortized.
		evict := l.size - l.capacity/2
		for i := 0; i < evict; i++ {
			old := l.ring[l.tail]
			l.ring[l.tail] = ""
			delete(l.index, old)
			l.tail = (l.tail + 1) % l.capacity
			l.size--
			l.pruned++
		}
	}

	l.ring[l.head] = id
	l.index[id] = struct{}{}
	l.head = (l.head + 1) % l.capacity
	l.size++
	l.marked++
}

// Size returns the current number of tracked identifiers.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Capacity returns the maximum number of identifiers retained.
func (l *Ledger) Capacity() int {
	return l.capacity
}

// Stats returns a snapshot of activity counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Size:       l.size,
		Capacity:   l.capacity,
		Marked:     l.marked,
		Duplicates: l.duplicates,
		Pruned:     l.pruned,
	}
}
