package traffic

import (
	"testing"
	"time"
)

func snap(i int) HistorySnapshot {
	return HistorySnapshot{
		Timestamp: time.Unix(int64(i), 0),
		TotalBits: uint64(i),
	}
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	h := NewHistoryBuffer(100)
	for i := 0; i < 150; i++ {
		h.Append(snap(i))
		if h.Len() > 100 {
			t.Fatalf("after %d appends Len() = %d", i+1, h.Len())
		}
	}
	if h.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", h.Len())
	}
	all := h.Tail(1000)
	if len(all) != 100 {
		t.Fatalf("Tail() returned %d items", len(all))
	}
	for i, s := range all {
		if s.TotalBits != uint64(50+i) {
			t.Fatalf("item %d = %d, want %d", i, s.TotalBits, 50+i)
		}
	}
}

func TestHistoryLongRun(t *testing.T) {
	h := NewHistoryBuffer(10)
	for i := 0; i < 1037; i++ {
		h.Append(snap(i))
	}
	tail := h.Tail(3)
	want := []uint64{1034, 1035, 1036}
	for i := range want {
		if tail[i].TotalBits != want[i] {
			t.Fatalf("Tail(3)[%d] = %d, want %d", i, tail[i].TotalBits, want[i])
		}
	}
	if h.Len() != 10 {
		t.Fatalf("Len() = %d", h.Len())
	}
}

func TestHistoryTailDoesNotAlias(t *testing.T) {
	h := NewHistoryBuffer(5)
	h.Append(snap(1))
	h.Append(snap(2))
	tail := h.Tail(2)
	tail[0].TotalBits = 99
	if got := h.Tail(2)[0].TotalBits; got != 1 {
		t.Fatalf("Tail() aliases internal storage: %d", got)
	}
}

func TestHistoryLatest2(t *testing.T) {
	h := NewHistoryBuffer(5)
	if _, _, ok := h.Latest2(); ok {
		t.Fatal("empty buffer reported two snapshots")
	}
	h.Append(snap(1))
	if _, _, ok := h.Latest2(); ok {
		t.Fatal("singleton buffer reported two snapshots")
	}
	h.Append(snap(2))
	latest, prev, ok := h.Latest2()
	if !ok || latest.TotalBits != 2 || prev.TotalBits != 1 {
		t.Fatalf("Latest2() = %v, %v, %v", latest.TotalBits, prev.TotalBits, ok)
	}
	h.Clear()
	if h.Len() != 0 || len(h.Tail(5)) != 0 {
		t.Fatal("Clear() left snapshots behind")
	}
}

func TestHistoryMinimumCapacity(t *testing.T) {
	h := NewHistoryBuffer(0)
	if h.Capacity() != 2 {
		t.Fatalf("Capacity() = %d, want 2", h.Capacity())
	}
}
