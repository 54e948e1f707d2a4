package traffic

import "time"

// DefaultHistoryCapacity is the number of snapshots kept for charting and
// rate computation.
const DefaultHistoryCapacity = 100

// HistorySnapshot is a point-in-time copy of both counter sets.
type HistorySnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Primary   Counters  `json:"primary"`
	Secondary Counters  `json:"secondary"`
	TotalBits uint64    `json:"total"`
}

// TimestampMillis returns the snapshot time in Unix milliseconds.
func (s HistorySnapshot) TimestampMillis() int64 {
	return s.Timestamp.UnixMilli()
}

// HistoryBuffer is a fixed-capacity FIFO of snapshots. It is not safe for
// concurrent use; CounterStore guards it.
type HistoryBuffer struct {
	capacity int
	items    []HistorySnapshot
}

// NewHistoryBuffer creates a buffer holding at most capacity snapshots.
// Capacities below 2 are raised to 2 so a rate can always be computed.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &HistoryBuffer{
		capacity: capacity,
		items:    make([]HistorySnapshot, 0, 2*capacity),
	}
}

// Capacity returns the maximum number of retained snapshots.
func (h *HistoryBuffer) Capacity() int { return h.capacity }

// Len returns the number of retained snapshots.
func (h *HistoryBuffer) Len() int {
	if len(h.items) > h.capacity {
		return h.capacity
	}
	return len(h.items)
}

// Append adds s at the tail. Evicted snapshots are dropped in bulk once the
// backing slice reaches twice the capacity, so sustained appends cost O(1)
// amortized.
func (h *HistoryBuffer) Append(s HistorySnapshot) {
	if len(h.items) >= 2*h.capacity {
		n := copy(h.items, h.items[len(h.items)-h.capacity+1:])
		h.items = h.items[:n]
	}
	h.items = append(h.items, s)
}

// Tail returns a copy of the last k snapshots in insertion order.
func (h *HistoryBuffer) Tail(k int) []HistorySnapshot {
	n := h.Len()
	if k > n {
		k = n
	}
	if k <= 0 {
		return []HistorySnapshot{}
	}
	out := make([]HistorySnapshot, k)
	copy(out, h.items[len(h.items)-k:])
	return out
}

// Latest2 returns the two most recent snapshots. ok is false when fewer
// than two exist.
func (h *HistoryBuffer) Latest2() (latest, previous HistorySnapshot, ok bool) {
	if len(h.items) < 2 {
		return HistorySnapshot{}, HistorySnapshot{}, false
	}
	return h.items[len(h.items)-1], h.items[len(h.items)-2], true
}

// Clear drops all snapshots.
func (h *HistoryBuffer) Clear() {
	h.items = h.items[:0]
}
