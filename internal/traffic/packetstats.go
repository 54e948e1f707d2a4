package traffic

import "sync"

// Direction labels a packet statistics bucket.
type Direction string

const (
	DirectionSent      Direction = "sent"
	DirectionReceived  Direction = "received"
	DirectionCompleted Direction = "completed"
)

// Directions lists every statistics bucket.
var Directions = []Direction{DirectionSent, DirectionReceived, DirectionCompleted}

// packetStatsResetThreshold bounds how many samples a bucket accumulates
// before all buckets start over.
const packetStatsResetThreshold = 1_000_000

// DirectionStats summarizes samples for one direction.
type DirectionStats struct {
	Count     uint64  `json:"count"`
	TotalSize uint64  `json:"totalSize"`
	Average   float64 `json:"average"`
	Peak      uint64  `json:"peak"`
}

// PacketStats keeps advisory per-direction sample statistics.
type PacketStats struct {
	mu      sync.Mutex
	buckets map[Direction]*DirectionStats
}

// NewPacketStats returns empty statistics.
func NewPacketStats() *PacketStats {
	p := &PacketStats{}
	p.resetLocked()
	return p
}

// Observe adds one sample of size to direction d.
func (p *PacketStats) Observe(d Direction, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[d]
	if !ok {
		return
	}
	if b.Count >= packetStatsResetThreshold {
		p.resetLocked()
		b = p.buckets[d]
	}
	b.Count++
	b.TotalSize = saturatingAdd(b.TotalSize, size)
	if size > b.Peak {
		b.Peak = size
	}
	b.Average = float64(b.TotalSize) / float64(b.Count)
}

// Snapshot returns a copy of all buckets.
func (p *PacketStats) Snapshot() map[Direction]DirectionStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Direction]DirectionStats, len(p.buckets))
	for d, b := range p.buckets {
		out[d] = *b
	}
	return out
}

// Reset clears all buckets.
func (p *PacketStats) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *PacketStats) resetLocked() {
	p.buckets = make(map[Direction]*DirectionStats, len(Directions))
	for _, d := range Directions {
		p.buckets[d] = &DirectionStats{}
	}
}
