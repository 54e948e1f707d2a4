package kvstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := OpenSQLite(path, logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDaemonStartTime(t *testing.T) {
	s := testSQLite(t)
	now := time.Now().Truncate(time.Second)
	if err := s.SetDaemonStartTime(now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDaemonStartTime()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now) {
		t.Fatalf("got %v, want %v", got, now)
	}
}

func TestSQLiteGetSetRemove(t *testing.T) {
	ctx := context.Background()
	s := testSQLite(t)

	got, err := s.Get(ctx, "isMonitoring", "dataUnits")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("empty store returned %v", got)
	}

	if err := s.Set(ctx, map[string][]byte{
		"isMonitoring": []byte("true"),
		"dataUnits":    []byte(`"GB"`),
	}); err != nil {
		t.Fatal(err)
	}
	// Overwrite one key.
	if err := s.Set(ctx, map[string][]byte{"dataUnits": []byte(`"KB"`)}); err != nil {
		t.Fatal(err)
	}

	got, err = s.Get(ctx, "isMonitoring", "dataUnits", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if string(got["isMonitoring"]) != "true" || string(got["dataUnits"]) != `"KB"` {
		t.Fatalf("got %q", got)
	}
	if _, ok := got["missing"]; ok {
		t.Fatal("missing key reported as present")
	}

	if err := s.Remove(ctx, "isMonitoring", "missing"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "isMonitoring", "dataUnits")
	if len(got) != 1 {
		t.Fatalf("after remove got %q", got)
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := OpenSQLite(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, map[string][]byte{"colorTheme": []byte(`"white"`)}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "colorTheme")
	if err != nil {
		t.Fatal(err)
	}
	if string(got["colorTheme"]) != `"white"` {
		t.Fatalf("got %q after reopen", got["colorTheme"])
	}
}

func TestFlushLifetime(t *testing.T) {
	ctx := context.Background()
	s := testSQLite(t)

	// First flush: initial insert
	snaps := []LifetimeSnapshot{
		{Source: "primary", SentBits: 100, ReceivedBits: 200, Packets: 3},
		{Source: "secondary", SentBits: 0, ReceivedBits: 0, Packets: 1},
	}
	if err := s.FlushLifetime(ctx, snaps); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Lifetime(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs["primary"].SentBitsTotal != 100 || recs["primary"].ReceivedBitsTotal != 200 {
		t.Fatalf("primary totals: sent=%d received=%d", recs["primary"].SentBitsTotal, recs["primary"].ReceivedBitsTotal)
	}

	// Second flush: delta accumulation
	snaps[0].SentBits = 150
	snaps[0].ReceivedBits = 250
	snaps[0].Packets = 5
	if err := s.FlushLifetime(ctx, snaps); err != nil {
		t.Fatal(err)
	}
	recs, _ = s.Lifetime(ctx)
	if recs["primary"].SentBitsTotal != 150 {
		t.Fatalf("primary sent_total: got %d, want 150", recs["primary"].SentBitsTotal)
	}
	if recs["primary"].PacketsTotal != 5 {
		t.Fatalf("primary packets_total: got %d, want 5", recs["primary"].PacketsTotal)
	}

	// Third flush: counters were reset, lower values
	snaps[0].SentBits = 30
	snaps[0].ReceivedBits = 40
	if err := s.FlushLifetime(ctx, snaps); err != nil {
		t.Fatal(err)
	}
	recs, _ = s.Lifetime(ctx)
	// 150 (prev) + 30 (new baseline) = 180
	if recs["primary"].SentBitsTotal != 180 {
		t.Fatalf("primary sent_total after reset: got %d, want 180", recs["primary"].SentBitsTotal)
	}
	if recs["primary"].ReceivedBitsTotal != 290 {
		t.Fatalf("primary received_total after reset: got %d, want 290", recs["primary"].ReceivedBitsTotal)
	}
	// Packet count unchanged between flushes adds nothing.
	if recs["primary"].PacketsTotal != 5 {
		t.Fatalf("primary packets_total after reset: got %d, want 5", recs["primary"].PacketsTotal)
	}
}
