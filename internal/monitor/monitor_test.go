package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbes/netmeter/internal/kvstore"
	"github.com/bigbes/netmeter/internal/logging"
	"github.com/bigbes/netmeter/internal/persist"
	"github.com/bigbes/netmeter/internal/settings"
	"github.com/bigbes/netmeter/internal/traffic"
)

type fakeSampler struct {
	mu       sync.Mutex
	sent     uint64
	received uint64
	err      error
}

func (f *fakeSampler) Sample(context.Context) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.received, f.err
}

func (f *fakeSampler) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMonitor(t *testing.T, store kvstore.Store, sampler DeviceSampler) (*Monitor, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := New(store, Options{Sampler: sampler, Now: clk.now}, logging.Discard())
	return m, clk
}

func startMonitor(t *testing.T, m *Monitor) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close(context.Background()) })
}

func rawRequest(n int64) traffic.RequestDetails {
	return traffic.RequestDetails{Body: &traffic.RequestBody{Raw: []traffic.RawSegment{{ByteLength: n}}}}
}

func contentLength(v string) []traffic.Header {
	return []traffic.Header{{Name: "Content-Length", Value: v}}
}

func TestExchangeCountsOnePacket(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	m.settings.Monitoring = true

	m.ObserveRequest(rawRequest(1024))      // 8192 bits
	m.ObserveResponse(contentLength("512")) // 4096 bits
	m.ObserveCompleted()

	c := m.Counters(traffic.SourcePrimary)
	assert.Equal(t, traffic.Counters{SentBits: 8192, ReceivedBits: 4096, TotalBits: 12288, PacketCount: 2}, c)

	st := m.Stats(context.Background())
	assert.Equal(t, uint64(1), st.PacketStats[traffic.DirectionSent].Count)
	assert.Equal(t, uint64(4096), st.PacketStats[traffic.DirectionReceived].TotalSize)
	assert.Equal(t, uint64(1), st.PacketStats[traffic.DirectionCompleted].Count)
}

func TestObserveWhilePaused(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)

	m.ObserveRequest(rawRequest(1024))
	m.ObserveResponse(contentLength("512"))
	m.ObserveCompleted()

	c := m.Counters(traffic.SourcePrimary)
	assert.Zero(t, c.TotalBits)
	assert.Equal(t, uint64(2), c.PacketCount, "paused requests still count as packets")
	assert.Zero(t, m.Stats(context.Background()).PacketStats[traffic.DirectionCompleted].Count)
}

func TestObserveInSecondaryMode(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	m.settings.Monitoring = true
	m.settings.MonitoringMode = traffic.SourceSecondary

	m.ObserveRequest(rawRequest(1024))
	m.ObserveResponse(contentLength("512"))

	assert.Zero(t, m.Counters(traffic.SourcePrimary).TotalBits)
	assert.Zero(t, m.Counters(traffic.SourceSecondary).TotalBits)
}

func TestDataSpeed(t *testing.T) {
	m, clk := newTestMonitor(t, kvstore.NewMemory(), nil)

	d := m.Data()
	assert.Zero(t, d.Speed)
	assert.Empty(t, d.History)
	assert.Equal(t, "0.00", d.Total)
	assert.Equal(t, traffic.UnitMB, d.Units)

	m.settings.Monitoring = true
	m.ObserveRequest(rawRequest(1 << 20)) // 1 MiB
	assert.Zero(t, m.Data().Speed, "one snapshot gives no rate")
	assert.Equal(t, "1.00", m.Data().Sent)

	clk.advance(time.Second)
	m.ObserveRequest(rawRequest(1000))
	d = m.Data()
	assert.Equal(t, float64(8000), d.Speed)
	require.Len(t, d.History, 2)
	assert.Equal(t, clk.now().UnixMilli(), d.History[1].Timestamp)

	m.settings.Monitoring = false
	assert.Zero(t, m.Data().Speed)
}

func TestDataHistoryWindow(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	m.settings.Monitoring = true
	for range 30 {
		m.ObserveRequest(rawRequest(1))
	}
	assert.Len(t, m.Data().History, DataHistoryLength)
}

func TestSettingsValidation(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	m, _ := newTestMonitor(t, store, nil)

	err := m.SetUpdateInterval(ctx, 50)
	assert.ErrorIs(t, err, settings.ErrInvalidInterval)
	assert.Equal(t, settings.DefaultUpdateIntervalMs, m.Settings().UpdateIntervalMs)

	assert.ErrorIs(t, m.SetMonitoringMode(ctx, "device"), settings.ErrInvalidMode)
	assert.ErrorIs(t, m.SetDataUnits(ctx, "EB"), settings.ErrInvalidUnit)
	assert.ErrorIs(t, m.SetColorTheme(ctx, "blue"), settings.ErrInvalidTheme)
	assert.Equal(t, settings.Default(), m.Settings())

	require.NoError(t, m.SetUpdateInterval(ctx, 1000))
	require.NoError(t, m.SetMonitoringMode(ctx, "secondary"))
	require.NoError(t, m.SetDataUnits(ctx, "GB"))
	require.NoError(t, m.SetColorTheme(ctx, "white"))

	// Every change is persisted.
	raw, err := store.Get(ctx, persist.KeyUpdateIntervalMs, persist.KeyMonitoringMode, persist.KeyDataUnits, persist.KeyColorTheme)
	require.NoError(t, err)
	assert.Equal(t, "1000", string(raw[persist.KeyUpdateIntervalMs]))
	assert.Equal(t, `"secondary"`, string(raw[persist.KeyMonitoringMode]))
	assert.Equal(t, `"GB"`, string(raw[persist.KeyDataUnits]))
	assert.Equal(t, `"white"`, string(raw[persist.KeyColorTheme]))
}

func TestResetDataKeepsPackets(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	m.settings.Monitoring = true
	m.ObserveRequest(rawRequest(10))
	m.ObserveRequest(rawRequest(10))

	require.NoError(t, m.ResetData(context.Background()))
	c := m.Counters(traffic.SourcePrimary)
	assert.Equal(t, traffic.Counters{PacketCount: 3}, c)
	assert.Zero(t, m.counters.HistoryLen())
}

func TestMonitorTickSamplesDevice(t *testing.T) {
	sampler := &fakeSampler{sent: 800, received: 640}
	m, _ := newTestMonitor(t, kvstore.NewMemory(), sampler)
	m.settings.Monitoring = true
	m.settings.MonitoringMode = traffic.SourceSecondary

	require.NoError(t, m.tickMonitor(context.Background()))
	require.NoError(t, m.tickMonitor(context.Background()))

	c := m.Counters(traffic.SourceSecondary)
	assert.Equal(t, traffic.Counters{SentBits: 1600, ReceivedBits: 1280, TotalBits: 2880, PacketCount: 3}, c)
	assert.Equal(t, 2, m.counters.HistoryLen(), "one snapshot per tick")
}

func TestDeviceSpeedUsesTickInterval(t *testing.T) {
	sampler := &fakeSampler{sent: 8000, received: 6400}
	m, clk := newTestMonitor(t, kvstore.NewMemory(), sampler)
	m.settings.Monitoring = true
	m.settings.MonitoringMode = traffic.SourceSecondary

	for range 3 {
		require.NoError(t, m.tickMonitor(context.Background()))
		clk.advance(200 * time.Millisecond)
	}

	// 14400 bits per 200 ms tick.
	assert.InDelta(t, 72000, m.Data().Speed, 1e-6)
	assert.Zero(t, m.Stats(context.Background()).RateErrors)
}

func TestDeviceSpeedAboveCeiling(t *testing.T) {
	sampler := &fakeSampler{}
	m, clk := newTestMonitor(t, kvstore.NewMemory(), sampler)
	m.settings.Monitoring = true
	m.settings.MonitoringMode = traffic.SourceSecondary

	require.NoError(t, m.tickMonitor(context.Background()))
	clk.advance(500 * time.Millisecond)
	sampler.sent = 10_000_000_000
	require.NoError(t, m.tickMonitor(context.Background()))

	assert.Zero(t, m.Data().Speed)
	assert.Equal(t, uint64(1), m.Stats(context.Background()).RateErrors)
	assert.Equal(t, uint64(10_000_000_000), m.Counters(traffic.SourceSecondary).SentBits, "counters keep the sample")
}

func TestMonitorTickPrimaryOnlySnapshots(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), &fakeSampler{sent: 8})
	m.settings.Monitoring = true

	require.NoError(t, m.tickMonitor(context.Background()))
	assert.Equal(t, 1, m.counters.HistoryLen())
	assert.Equal(t, uint64(1), m.Counters(traffic.SourcePrimary).PacketCount, "ticks never count packets")
	assert.Zero(t, m.Counters(traffic.SourceSecondary).TotalBits)
}

func TestRecoveryForcesSafeState(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	sampler := &fakeSampler{sent: 80, received: 80}
	m, _ := newTestMonitor(t, store, sampler)
	m.settings.Monitoring = true
	m.settings.MonitoringMode = traffic.SourceSecondary

	require.NoError(t, m.tickMonitor(ctx))
	packets := m.Counters(traffic.SourceSecondary).PacketCount

	sampler.fail(errors.New("no counters"))
	for i := range MaxTickFailures - 1 {
		err := m.tickMonitor(ctx)
		require.Error(t, err)
		m.onTickError(taskMonitor, err)
		assert.True(t, m.Settings().Monitoring, "still monitoring after %d failures", i+1)
	}
	m.onTickError(taskMonitor, m.tickMonitor(ctx))

	assert.False(t, m.Settings().Monitoring)
	assert.False(t, m.ticker.Running())
	c := m.Counters(traffic.SourceSecondary)
	assert.Zero(t, c.TotalBits)
	assert.Equal(t, packets, c.PacketCount)

	raw, err := store.Get(ctx, persist.KeyIsMonitoring)
	require.NoError(t, err)
	assert.Equal(t, "false", string(raw[persist.KeyIsMonitoring]))

	st := m.Stats(ctx)
	assert.Equal(t, uint64(MaxTickFailures), st.TickFailures)
	assert.Zero(t, st.FailureStreak)
	assert.Equal(t, uint64(1), st.Recoveries)
}

func TestSuccessfulTickResetsFailureStreak(t *testing.T) {
	ctx := context.Background()
	sampler := &fakeSampler{}
	m, _ := newTestMonitor(t, kvstore.NewMemory(), sampler)
	m.settings.Monitoring = true
	m.settings.MonitoringMode = traffic.SourceSecondary

	sampler.fail(errors.New("flaky"))
	for range MaxTickFailures - 1 {
		m.onTickError(taskMonitor, m.tickMonitor(ctx))
	}
	sampler.fail(nil)
	require.NoError(t, m.tickMonitor(ctx))
	sampler.fail(errors.New("flaky"))
	m.onTickError(taskMonitor, m.tickMonitor(ctx))

	assert.True(t, m.Settings().Monitoring)
	assert.Equal(t, 1, m.Stats(ctx).FailureStreak)
}

func TestHeartbeatFailuresDoNotRecover(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	m.settings.Monitoring = true
	for range MaxTickFailures + 1 {
		m.onTickError(taskPersist, errors.New("disk full"))
	}
	assert.True(t, m.Settings().Monitoring)
	assert.Zero(t, m.Stats(context.Background()).TickFailures)
}

func TestStartRestoresAndCloseFlushes(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	bridge := persist.New(store, settings.Default(), logging.Discard())
	st := persist.DefaultState(settings.Default())
	st.Settings.Unit = traffic.UnitKB
	st.Settings.UpdateIntervalMs = 500
	st.Counters[traffic.SourcePrimary] = traffic.Counters{SentBits: 100, ReceivedBits: 60, PacketCount: 9}
	require.NoError(t, bridge.Save(ctx, st))

	m, _ := newTestMonitor(t, store, nil)
	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrStarted)

	assert.Equal(t, traffic.UnitKB, m.Settings().Unit)
	assert.Equal(t, 500*time.Millisecond, m.ticker.Interval())
	assert.False(t, m.ticker.Running())
	assert.Equal(t, traffic.Counters{SentBits: 100, ReceivedBits: 60, TotalBits: 160, PacketCount: 9},
		m.Counters(traffic.SourcePrimary))

	m.counters.RecordSent(traffic.SourcePrimary, 40)
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.False(t, m.heartbeat.Running())

	got := bridge.Load(ctx)
	assert.Equal(t, uint64(140), got.Counters[traffic.SourcePrimary].SentBits)
	assert.Equal(t, uint64(10), got.Counters[traffic.SourcePrimary].PacketCount)

	assert.ErrorIs(t, m.StartMonitoring(ctx), ErrNotStarted)
}

func TestStartResumesMonitoring(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Set(ctx, map[string][]byte{persist.KeyIsMonitoring: []byte("true")}))

	m, _ := newTestMonitor(t, store, nil)
	startMonitor(t, m)
	assert.True(t, m.ticker.Running())
}

func TestStartStopMonitoringIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	startMonitor(t, m)

	require.NoError(t, m.StopMonitoring(ctx))
	require.NoError(t, m.StartMonitoring(ctx))
	require.NoError(t, m.StartMonitoring(ctx))
	assert.True(t, m.Settings().Monitoring)
	assert.True(t, m.ticker.Running())

	require.NoError(t, m.SetUpdateInterval(ctx, 2000))
	assert.True(t, m.ticker.Running(), "interval change keeps the task running")
	assert.Equal(t, 2*time.Second, m.ticker.Interval())

	require.NoError(t, m.StopMonitoring(ctx))
	require.NoError(t, m.StopMonitoring(ctx))
	assert.False(t, m.Settings().Monitoring)
	assert.False(t, m.ticker.Running())
}

func TestHeartbeatRestartsMissingTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	startMonitor(t, m)
	require.NoError(t, m.StartMonitoring(ctx))

	m.ticker.Cancel()
	require.False(t, m.ticker.Running())

	require.NoError(t, m.tickHeartbeat(ctx))
	assert.True(t, m.ticker.Running())
	assert.Equal(t, uint64(1), m.Stats(ctx).Recoveries)
}

func TestHeartbeatCountsIdleSource(t *testing.T) {
	m, _ := newTestMonitor(t, kvstore.NewMemory(), nil)
	require.NoError(t, m.tickHeartbeat(context.Background()))
	require.NoError(t, m.tickHeartbeat(context.Background()))
	assert.Equal(t, uint64(3), m.Counters(traffic.SourcePrimary).PacketCount)
	assert.Equal(t, uint64(1), m.Counters(traffic.SourceSecondary).PacketCount)
}

func TestStatsLifetimeFromSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := kvstore.OpenSQLite(filepath.Join(t.TempDir(), "state.sqlite"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, clk := newTestMonitor(t, store, nil)
	startMonitor(t, m)
	require.NoError(t, m.StartMonitoring(ctx))

	m.ObserveRequest(rawRequest(100))
	require.NoError(t, m.tickPersist(ctx))
	require.NoError(t, m.ResetData(ctx))
	m.ObserveRequest(rawRequest(50))
	require.NoError(t, m.tickPersist(ctx))
	clk.advance(90 * time.Second)

	st := m.Stats(ctx)
	require.Contains(t, st.Lifetime, traffic.SourcePrimary)
	assert.Equal(t, int64(1200), st.Lifetime[traffic.SourcePrimary].SentBits)
	assert.Equal(t, int64(90), st.UptimeSeconds)

	started, err := store.GetDaemonStartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Unix(), started.Unix())
}

func TestStatsUptimeFromStoredStartTime(t *testing.T) {
	store, err := kvstore.OpenSQLite(filepath.Join(t.TempDir(), "state.sqlite"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, clk := newTestMonitor(t, store, nil)
	startMonitor(t, m)
	clk.advance(10 * time.Second)

	require.NoError(t, store.SetDaemonStartTime(clk.now().Add(-time.Hour)))
	assert.Equal(t, int64(3600), m.Stats(context.Background()).UptimeSeconds)
}

func TestStatsUptimeWithoutStartTimeStore(t *testing.T) {
	m, clk := newTestMonitor(t, kvstore.NewMemory(), nil)
	assert.Zero(t, m.Stats(context.Background()).UptimeSeconds, "not started")

	startMonitor(t, m)
	clk.advance(42 * time.Second)
	assert.Equal(t, int64(42), m.Stats(context.Background()).UptimeSeconds)
}
