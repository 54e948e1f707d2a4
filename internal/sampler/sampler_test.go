package sampler

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v4/net"

	"github.com/bigbes/netmeter/internal/config"
	"github.com/bigbes/netmeter/internal/logging"
)

type fakeCounters struct {
	readings [][]net.IOCountersStat
	err      error
	calls    int
}

func (f *fakeCounters) read(_ context.Context, _ bool) ([]net.IOCountersStat, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := f.readings[min(f.calls, len(f.readings)-1)]
	f.calls++
	return r, nil
}

func TestSystemDeltas(t *testing.T) {
	fc := &fakeCounters{readings: [][]net.IOCountersStat{
		{{Name: "eth0", BytesSent: 1000, BytesRecv: 5000}, {Name: "lo", BytesSent: 7, BytesRecv: 7}},
		{{Name: "eth0", BytesSent: 1100, BytesRecv: 5400}, {Name: "lo", BytesSent: 9, BytesRecv: 9}},
		{{Name: "eth0", BytesSent: 50, BytesRecv: 5500}, {Name: "lo", BytesSent: 9, BytesRecv: 9}},
	}}
	s := NewSystem("eth0", logging.Discard())
	s.counters = fc.read

	ctx := context.Background()
	tx, rx, err := s.Sample(ctx)
	if err != nil || tx != 0 || rx != 0 {
		t.Fatalf("baseline sample = %d, %d, %v", tx, rx, err)
	}
	tx, rx, err = s.Sample(ctx)
	if err != nil || tx != 800 || rx != 3200 {
		t.Fatalf("second sample = %d, %d, %v", tx, rx, err)
	}
	// Sent counter wrapped: no negative delta.
	tx, rx, err = s.Sample(ctx)
	if err != nil || tx != 0 || rx != 800 {
		t.Fatalf("wrapped sample = %d, %d, %v", tx, rx, err)
	}
}

func TestSystemAllInterfaces(t *testing.T) {
	fc := &fakeCounters{readings: [][]net.IOCountersStat{
		{{Name: "all", BytesSent: 10, BytesRecv: 10}},
		{{Name: "all", BytesSent: 11, BytesRecv: 12}},
	}}
	s := NewSystem("", logging.Discard())
	s.counters = fc.read

	s.Sample(context.Background())
	tx, rx, err := s.Sample(context.Background())
	if err != nil || tx != 8 || rx != 16 {
		t.Fatalf("sample = %d, %d, %v", tx, rx, err)
	}
}

func TestSystemErrors(t *testing.T) {
	s := NewSystem("wlan9", logging.Discard())
	s.counters = (&fakeCounters{readings: [][]net.IOCountersStat{{{Name: "eth0"}}}}).read
	if _, _, err := s.Sample(context.Background()); err == nil {
		t.Fatal("missing interface accepted")
	}

	s.counters = (&fakeCounters{err: errors.New("permission denied")}).read
	if _, _, err := s.Sample(context.Background()); err == nil {
		t.Fatal("read error swallowed")
	}
}

func TestSyntheticRatio(t *testing.T) {
	s := NewSynthetic(42)
	for range 100 {
		tx, rx, err := s.Sample(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if tx >= 1024*8 || rx > tx {
			t.Fatalf("sample out of range: tx=%d rx=%d", tx, rx)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(config.DeviceSamplerConfig{Type: config.SamplerSystem}, logging.Discard()); err != nil {
		t.Fatal(err)
	}
	if _, err := New(config.DeviceSamplerConfig{Type: config.SamplerSynthetic}, logging.Discard()); err != nil {
		t.Fatal(err)
	}
	if _, err := New(config.DeviceSamplerConfig{Type: "pcap"}, logging.Discard()); err == nil {
		t.Fatal("unknown sampler accepted")
	}
}
