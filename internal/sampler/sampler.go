// Package sampler reads device-level traffic for the secondary counters.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/shirou/gopsutil/v4/net"

	"github.com/bigbes/netmeter/internal/config"
)

// System reports the per-call delta of the OS interface counters.
type System struct {
	iface    string
	counters func(ctx context.Context, pernic bool) ([]net.IOCountersStat, error)
	logger   *slog.Logger

	mu     sync.Mutex
	primed bool
	lastTx uint64
	lastRx uint64
}

// NewSystem samples the interface named iface, or the sum of all
// interfaces when iface is empty.
func NewSystem(iface string, logger *slog.Logger) *System {
	return &System{
		iface:    iface,
		counters: net.IOCountersWithContext,
		logger:   logger,
	}
}

// Sample returns the bits sent and received since the previous call. The
// first call establishes the baseline and returns zero.
func (s *System) Sample(ctx context.Context) (sentBits, receivedBits uint64, err error) {
	stats, err := s.counters(ctx, s.iface != "")
	if err != nil {
		return 0, 0, fmt.Errorf("sampler: read io counters: %w", err)
	}

	var tx, rx uint64
	found := false
	for _, st := range stats {
		if s.iface == "" || st.Name == s.iface {
			tx += st.BytesSent
			rx += st.BytesRecv
			found = true
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("sampler: interface %q not found", s.iface)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.primed {
		s.primed = true
		s.lastTx, s.lastRx = tx, rx
		return 0, 0, nil
	}

	dTx, dRx := delta(tx, s.lastTx), delta(rx, s.lastRx)
	if tx < s.lastTx || rx < s.lastRx {
		s.logger.Debug("interface counters went backwards, rebasing", "iface", s.iface)
	}
	s.lastTx, s.lastRx = tx, rx
	return dTx * 8, dRx * 8, nil
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// Synthetic produces random demo traffic: up to 1 KiB sent per sample and
// 80% of that received.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic seeds the generator; a zero seed picks a random one.
func NewSynthetic(seed uint64) *Synthetic {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Synthetic{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Synthetic) Sample(context.Context) (sentBits, receivedBits uint64, err error) {
	s.mu.Lock()
	bytes := s.rng.Float64() * 1024
	s.mu.Unlock()
	return uint64(bytes * 8), uint64(bytes * 0.8 * 8), nil
}

// Sampler is satisfied by System and Synthetic.
type Sampler interface {
	Sample(ctx context.Context) (sentBits, receivedBits uint64, err error)
}

// New builds the sampler selected by cfg.
func New(cfg config.DeviceSamplerConfig, logger *slog.Logger) (Sampler, error) {
	switch cfg.Type {
	case config.SamplerSystem:
		return NewSystem(cfg.Interface, logger), nil
	case config.SamplerSynthetic:
		return NewSynthetic(0), nil
	default:
		return nil, fmt.Errorf("sampler: unknown type %q", cfg.Type)
	}
}
