package traffic

import (
	"fmt"
	"sync"
	"time"
)

// Source identifies an independent traffic counter set.
type Source string

const (
	// SourcePrimary counts browser-level traffic reported by the observer.
	SourcePrimary Source = "primary"
	// SourceSecondary counts device-level traffic from a DeviceSampler.
	SourceSecondary Source = "secondary"
)

// Sources lists every counter set.
var Sources = []Source{SourcePrimary, SourceSecondary}

// ParseSource reports whether s names a counter set.
func ParseSource(s string) (Source, bool) {
	switch Source(s) {
	case SourcePrimary, SourceSecondary:
		return Source(s), true
	}
	return "", false
}

// Counters is a read-only copy of one counter set.
type Counters struct {
	SentBits     uint64 `json:"sent"`
	ReceivedBits uint64 `json:"received"`
	TotalBits    uint64 `json:"total"`
	PacketCount  uint64 `json:"packetCount"`
}

// NewCounters returns a zeroed counter set with the minimum packet count.
func NewCounters() Counters {
	return Counters{PacketCount: 1}
}

// normalize recomputes derived fields and enforces the counter invariants.
func (c Counters) normalize() Counters {
	if c.SentBits > MaxSafeBits {
		c.SentBits = MaxSafeBits
	}
	if c.ReceivedBits > MaxSafeBits {
		c.ReceivedBits = MaxSafeBits
	}
	c.TotalBits = c.SentBits + c.ReceivedBits
	if c.PacketCount == 0 {
		c.PacketCount = 1
	}
	return c
}

// Consistent reports whether TotalBits matches its parts and the packet
// count is positive.
func (c Counters) Consistent() bool {
	return c.TotalBits == c.SentBits+c.ReceivedBits &&
		c.PacketCount >= 1 &&
		c.SentBits <= MaxSafeBits && c.ReceivedBits <= MaxSafeBits
}

// CounterStore owns both counter sets and the history buffer. Every
// operation holds a single lock, so callers never see a record without its
// history snapshot.
type CounterStore struct {
	mu       sync.Mutex
	counters map[Source]*Counters
	history  *HistoryBuffer
	now      func() time.Time

	// activity records whether a source counted a packet since the last
	// heartbeat.
	activity map[Source]bool
}

// NewCounterStore creates a store whose history holds historyCapacity
// snapshots. now may be nil, in which case time.Now is used.
func NewCounterStore(historyCapacity int, now func() time.Time) *CounterStore {
	if now == nil {
		now = time.Now
	}
	s := &CounterStore{
		counters: make(map[Source]*Counters, len(Sources)),
		history:  NewHistoryBuffer(historyCapacity),
		now:      now,
		activity: make(map[Source]bool, len(Sources)),
	}
	for _, src := range Sources {
		c := NewCounters()
		s.counters[src] = &c
	}
	return s
}

func (s *CounterStore) get(src Source) (*Counters, error) {
	c, ok := s.counters[src]
	if !ok {
		return nil, fmt.Errorf("traffic: unknown source %q", src)
	}
	return c, nil
}

// RecordSent adds sizeBits to the sent counter of src and counts one packet
// for the exchange.
func (s *CounterStore) RecordSent(src Source, sizeBits uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(src)
	if err != nil {
		return err
	}
	c.SentBits = saturatingAdd(c.SentBits, sizeBits)
	s.countPacket(src, c)
	*c = c.normalize()
	s.appendLocked()
	return nil
}

// RecordReceived adds sizeBits to the received counter of src. The packet
// was already counted by the matching request.
func (s *CounterStore) RecordReceived(src Source, sizeBits uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(src)
	if err != nil {
		return err
	}
	c.ReceivedBits = saturatingAdd(c.ReceivedBits, sizeBits)
	*c = c.normalize()
	s.appendLocked()
	return nil
}

// Record adds one sample of both directions to src as a single exchange:
// one packet and one history snapshot.
func (s *CounterStore) Record(src Source, sentBits, receivedBits uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(src)
	if err != nil {
		return err
	}
	c.SentBits = saturatingAdd(c.SentBits, sentBits)
	c.ReceivedBits = saturatingAdd(c.ReceivedBits, receivedBits)
	s.countPacket(src, c)
	*c = c.normalize()
	s.appendLocked()
	return nil
}

// IncrementPacketOnly counts a packet without touching byte counters.
func (s *CounterStore) IncrementPacketOnly(src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(src)
	if err != nil {
		return err
	}
	s.countPacket(src, c)
	return nil
}

func (s *CounterStore) countPacket(src Source, c *Counters) {
	if c.PacketCount < MaxSafeBits {
		c.PacketCount++
	}
	s.activity[src] = true
}

// Heartbeat counts a liveness packet for src unless a packet was counted
// since the previous Heartbeat call. It reports whether a
// packet was added; the liveness packet itself does not count as activity.
func (s *CounterStore) Heartbeat(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(src)
	if err != nil {
		return false
	}
	if s.activity[src] {
		s.activity[src] = false
		return false
	}
	if c.PacketCount < MaxSafeBits {
		c.PacketCount++
	}
	return true
}

// Reset zeroes the byte counters of the given sources (all sources when
// none are given), keeps packet counts and clears the history.
func (s *CounterStore) Reset(sources ...Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sources) == 0 {
		sources = Sources
	}
	for _, src := range sources {
		c, err := s.get(src)
		if err != nil {
			continue
		}
		*c = Counters{PacketCount: c.PacketCount}.normalize()
	}
	s.history.Clear()
}

// Restore replaces the counters of src, used when loading persisted state.
// The packet count never moves backwards.
func (s *CounterStore) Restore(src Source, in Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(src)
	if err != nil {
		return err
	}
	packets := c.PacketCount
	*c = in.normalize()
	if c.PacketCount < packets {
		c.PacketCount = packets
	}
	return nil
}

// Snapshot returns a copy of the counters of src.
func (s *CounterStore) Snapshot(src Source) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(src)
	if err != nil {
		return NewCounters()
	}
	return *c
}

// AppendSnapshot records the current counters in history without changing
// them. Monitoring ticks use it so rates decay to zero when idle.
func (s *CounterStore) AppendSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked()
}

func (s *CounterStore) appendLocked() {
	p := *s.counters[SourcePrimary]
	d := *s.counters[SourceSecondary]
	s.history.Append(HistorySnapshot{
		Timestamp: s.now(),
		Primary:   p,
		Secondary: d,
		TotalBits: saturatingAdd(p.TotalBits, d.TotalBits),
	})
}

// History returns the last k snapshots.
func (s *CounterStore) History(k int) []HistorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Tail(k)
}

// HistoryLen returns the number of retained snapshots.
func (s *CounterStore) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

// CurrentRate returns the instantaneous total rate in bits per second from
// the two latest snapshots, or 0 when fewer than two exist. A reading that
// is not finite or exceeds DefaultRateCeiling is a computation error: the
// rate is 0 and ok is false.
func (s *CounterStore) CurrentRate() (rate float64, ok bool) {
	s.mu.Lock()
	latest, previous, have := s.history.Latest2()
	s.mu.Unlock()
	if !have {
		return 0, true
	}
	return CheckRate(InstantaneousRate(latest, previous), DefaultRateCeiling)
}

// Validate reports the first source whose counters are inconsistent.
func (s *CounterStore) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range Sources {
		if c := s.counters[src]; !c.Consistent() {
			return fmt.Errorf("traffic: %s counters inconsistent: sent=%d received=%d total=%d packets=%d",
				src, c.SentBits, c.ReceivedBits, c.TotalBits, c.PacketCount)
		}
	}
	return nil
}

func saturatingAdd(a, b uint64) uint64 {
	if a > MaxSafeBits || b > MaxSafeBits-a {
		return MaxSafeBits
	}
	return a + b
}
