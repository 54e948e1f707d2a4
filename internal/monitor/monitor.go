// Package monitor owns the traffic counters, the monitoring lifecycle and
// the recurring tasks that sample, keep alive and persist them.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigbes/netmeter/internal/kvstore"
	"github.com/bigbes/netmeter/internal/metrics"
	"github.com/bigbes/netmeter/internal/persist"
	"github.com/bigbes/netmeter/internal/schedule"
	"github.com/bigbes/netmeter/internal/settings"
	"github.com/bigbes/netmeter/internal/traffic"
)

const (
	HeartbeatInterval = time.Second
	PersistInterval   = 5 * time.Second

	// MaxTickFailures is the number of consecutive failed monitoring ticks
	// after which monitoring is forced off.
	MaxTickFailures = 3

	// DataHistoryLength is the number of snapshots returned by Data.
	DataHistoryLength = 20
)

const (
	taskHeartbeat = "heartbeat"
	taskMonitor   = "monitor"
	taskPersist   = "persist"
)

var (
	ErrNotStarted = errors.New("monitor: not started")
	ErrStarted    = errors.New("monitor: already started")
)

// DeviceSampler reads device-level traffic since the previous call.
type DeviceSampler interface {
	Sample(ctx context.Context) (sentBits, receivedBits uint64, err error)
}

type startTimeRecorder interface {
	SetDaemonStartTime(t time.Time) error
	GetDaemonStartTime() (time.Time, error)
}

// Options configures a Monitor.
type Options struct {
	// Defaults apply to settings that are missing from the store.
	Defaults        settings.Settings
	HistoryCapacity int
	Sampler         DeviceSampler
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Monitor is the single owner of counters and settings.
type Monitor struct {
	logger   *slog.Logger
	store    kvstore.Store
	bridge   *persist.Bridge
	sampler  DeviceSampler
	counters *traffic.CounterStore
	stats    *traffic.PacketStats
	now      func() time.Time

	heartbeat *schedule.Task
	ticker    *schedule.Task
	flusher   *schedule.Task

	// lifecycle serializes task transitions. Task ticks only TryLock it.
	lifecycle sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
	startedAt time.Time

	mu            sync.Mutex
	settings      settings.Settings
	failures      int
	totalFailures uint64
	recoveries    uint64
	rateErrors    uint64
}

// New creates a stopped monitor backed by store.
func New(store kvstore.Store, opts Options, logger *slog.Logger) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryCapacity == 0 {
		opts.HistoryCapacity = traffic.DefaultHistoryCapacity
	}
	if opts.Defaults == (settings.Settings{}) {
		opts.Defaults = settings.Default()
	}

	m := &Monitor{
		logger:   logger,
		store:    store,
		bridge:   persist.New(store, opts.Defaults, logger.With("component", "persist")),
		sampler:  opts.Sampler,
		counters: traffic.NewCounterStore(opts.HistoryCapacity, opts.Now),
		stats:    traffic.NewPacketStats(),
		now:      opts.Now,
		settings: opts.Defaults,
	}

	m.heartbeat = schedule.New(taskHeartbeat, HeartbeatInterval, m.tickHeartbeat, logger)
	m.ticker = schedule.New(taskMonitor, opts.Defaults.UpdateInterval(), m.tickMonitor, logger)
	m.flusher = schedule.New(taskPersist, PersistInterval, m.tickPersist, logger)
	for _, t := range []*schedule.Task{m.heartbeat, m.ticker, m.flusher} {
		t.OnError = m.onTickError
	}
	return m
}

// Start loads persisted state and launches the recurring tasks.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.ctx != nil {
		return ErrStarted
	}

	st := m.bridge.Load(ctx)
	for src, c := range st.Counters {
		if err := m.counters.Restore(src, c); err != nil {
			return fmt.Errorf("monitor: restore %s: %w", src, err)
		}
	}
	m.mu.Lock()
	m.settings = st.Settings
	m.mu.Unlock()

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.startedAt = m.now()
	if r, ok := m.store.(startTimeRecorder); ok {
		if err := r.SetDaemonStartTime(m.startedAt); err != nil {
			m.logger.Warn("failed to record start time", "err", err)
		}
	}

	m.heartbeat.Start(m.ctx)
	m.flusher.Start(m.ctx)
	m.ticker.Reset(m.ctx, st.Settings.UpdateInterval())
	if st.Settings.Monitoring {
		m.ticker.Start(m.ctx)
	}
	m.updateGauges()

	m.logger.Info("monitor started",
		"mode", st.Settings.MonitoringMode,
		"units", st.Settings.Unit,
		"interval_ms", st.Settings.UpdateIntervalMs,
		"monitoring", st.Settings.Monitoring,
	)
	return nil
}

// Close cancels every task and flushes state before returning.
func (m *Monitor) Close(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.ctx == nil || m.closed {
		return nil
	}
	m.closed = true

	m.heartbeat.Stop()
	m.ticker.Stop()
	m.flusher.Stop()
	m.cancel()

	err := m.save(ctx)
	m.flushLifetime(ctx)
	m.logger.Info("monitor stopped")
	return err
}

// Settings returns a copy of the current settings.
func (m *Monitor) Settings() settings.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Counters returns a copy of the counters of src.
func (m *Monitor) Counters(src traffic.Source) traffic.Counters {
	return m.counters.Snapshot(src)
}

// StartMonitoring turns monitoring on. Calling it while on is a no-op.
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.ctx == nil || m.closed {
		return ErrNotStarted
	}

	m.mu.Lock()
	if m.settings.Monitoring && m.ticker.Running() {
		m.mu.Unlock()
		return nil
	}
	m.settings.Monitoring = true
	m.failures = 0
	interval := m.settings.UpdateInterval()
	m.mu.Unlock()

	m.ticker.Reset(m.ctx, interval)
	m.ticker.Start(m.ctx)
	m.logger.Info("monitoring started", "interval", interval)
	m.persistChange(ctx)
	return nil
}

// StopMonitoring turns monitoring off. Calling it while off is a no-op.
func (m *Monitor) StopMonitoring(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if !m.settings.Monitoring && !m.ticker.Running() {
		m.mu.Unlock()
		return nil
	}
	m.settings.Monitoring = false
	m.mu.Unlock()

	m.ticker.Stop()
	m.stats.Reset()
	m.logger.Info("monitoring stopped")
	m.persistChange(ctx)
	return nil
}

// SetMonitoringMode selects which counter set is displayed and sampled.
func (m *Monitor) SetMonitoringMode(ctx context.Context, mode string) error {
	src, err := settings.ParseMode(mode, false)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.settings.MonitoringMode = src
	m.mu.Unlock()
	m.persistChange(ctx)
	return nil
}

// SetDataUnits selects the display unit.
func (m *Monitor) SetDataUnits(ctx context.Context, unit string) error {
	u, err := settings.ParseUnit(unit)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.settings.Unit = u
	m.mu.Unlock()
	m.persistChange(ctx)
	return nil
}

// SetColorTheme selects the colour theme.
func (m *Monitor) SetColorTheme(ctx context.Context, theme string) error {
	th, err := settings.ParseTheme(theme)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.settings.ColorTheme = th
	m.mu.Unlock()
	m.persistChange(ctx)
	return nil
}

// SetUpdateInterval changes the monitoring tick period, restarting the
// monitoring task if it runs. Out-of-range values leave the setting as is.
func (m *Monitor) SetUpdateInterval(ctx context.Context, ms int) error {
	if err := settings.CheckInterval(ms); err != nil {
		return err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	m.settings.UpdateIntervalMs = ms
	interval := m.settings.UpdateInterval()
	m.mu.Unlock()

	if m.ctx != nil && !m.closed {
		m.ticker.Reset(m.ctx, interval)
	}
	m.persistChange(ctx)
	return nil
}

// ResetData zeroes both byte counter sets, keeping packet counts.
func (m *Monitor) ResetData(ctx context.Context) error {
	m.counters.Reset()
	m.stats.Reset()
	m.logger.Info("counters reset")
	m.persistChange(ctx)
	return nil
}

// ObserveRequest accounts one outgoing request.
func (m *Monitor) ObserveRequest(d traffic.RequestDetails) {
	metrics.ObservedEvents.WithLabelValues("request").Inc()

	s := m.Settings()
	if s.Monitoring && s.MonitoringMode == traffic.SourcePrimary {
		if size := traffic.EstimateRequestBits(d); size > 0 {
			m.counters.RecordSent(traffic.SourcePrimary, size)
			m.stats.Observe(traffic.DirectionSent, size)
			return
		}
	}
	m.counters.IncrementPacketOnly(traffic.SourcePrimary)
}

// ObserveResponse accounts the response to a previously observed request.
func (m *Monitor) ObserveResponse(headers []traffic.Header) {
	metrics.ObservedEvents.WithLabelValues("response").Inc()

	s := m.Settings()
	if !s.Monitoring || s.MonitoringMode != traffic.SourcePrimary {
		return
	}
	if size := traffic.EstimateResponseBits(headers); size > 0 {
		m.counters.RecordReceived(traffic.SourcePrimary, size)
		m.stats.Observe(traffic.DirectionReceived, size)
	}
}

// ObserveCompleted accounts a finished exchange.
func (m *Monitor) ObserveCompleted() {
	metrics.ObservedEvents.WithLabelValues("completed").Inc()

	s := m.Settings()
	if s.Monitoring && s.MonitoringMode == traffic.SourcePrimary {
		m.stats.Observe(traffic.DirectionCompleted, 0)
	}
}

func (m *Monitor) tickHeartbeat(context.Context) error {
	m.counters.Heartbeat(m.Settings().MonitoringMode)

	// A lifecycle change in progress owns the monitoring task.
	if !m.lifecycle.TryLock() {
		return nil
	}
	defer m.lifecycle.Unlock()
	if m.closed {
		return nil
	}
	s := m.Settings()
	if s.Monitoring && !m.ticker.Running() {
		m.logger.Warn("monitoring task missing, restarting")
		metrics.Recoveries.WithLabelValues("restart").Inc()
		m.mu.Lock()
		m.recoveries++
		m.mu.Unlock()
		m.ticker.Reset(m.ctx, s.UpdateInterval())
		m.ticker.Start(m.ctx)
	}
	return nil
}

func (m *Monitor) tickMonitor(ctx context.Context) error {
	s := m.Settings()
	if s.MonitoringMode == traffic.SourceSecondary && m.sampler != nil {
		sent, received, err := m.sampler.Sample(ctx)
		if err != nil {
			return fmt.Errorf("monitor: sample device: %w", err)
		}
		if err := m.counters.Record(traffic.SourceSecondary, sent, received); err != nil {
			return err
		}
	} else {
		m.counters.AppendSnapshot()
	}
	if err := m.counters.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	metrics.HistoryLength.Set(float64(m.counters.HistoryLen()))
	return nil
}

func (m *Monitor) tickPersist(ctx context.Context) error {
	m.updateGauges()
	m.flushLifetime(ctx)
	return m.save(ctx)
}

// onTickError runs recovery for failed monitoring ticks. Heartbeat and
// persistence failures are only counted.
func (m *Monitor) onTickError(name string, err error) {
	metrics.TickFailures.WithLabelValues(name).Inc()
	if name != taskMonitor {
		return
	}

	m.mu.Lock()
	m.failures++
	m.totalFailures++
	n := m.failures
	monitoring := m.settings.Monitoring
	m.mu.Unlock()

	if !monitoring {
		return
	}
	if n >= MaxTickFailures {
		m.logger.Error("monitoring failed repeatedly, resetting to safe state", "failures", n, "err", err)
		m.forceStop()
		return
	}
	if verr := m.counters.Validate(); verr != nil {
		m.logger.Warn("invalid counters detected, resetting", "err", verr)
		metrics.Recoveries.WithLabelValues("reset").Inc()
		m.mu.Lock()
		m.recoveries++
		m.mu.Unlock()
		m.counters.Reset()
	}
}

// forceStop turns monitoring off from inside a monitoring tick and
// restores the safe baseline: byte counters zero, packet counts kept.
func (m *Monitor) forceStop() {
	m.mu.Lock()
	m.settings.Monitoring = false
	m.failures = 0
	m.recoveries++
	m.mu.Unlock()

	metrics.Recoveries.WithLabelValues("force_stop").Inc()
	m.ticker.Cancel()
	m.counters.Reset()
	m.stats.Reset()
	m.persistChange(m.taskContext())
}

func (m *Monitor) taskContext() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Monitor) persistChange(ctx context.Context) {
	m.updateGauges()
	if err := m.save(ctx); err != nil {
		m.logger.Error("failed to persist state", "err", err)
	}
}

func (m *Monitor) state() persist.State {
	st := persist.State{
		Settings: m.Settings(),
		Counters: make(map[traffic.Source]traffic.Counters, len(traffic.Sources)),
	}
	for _, src := range traffic.Sources {
		st.Counters[src] = m.counters.Snapshot(src)
	}
	return st
}

func (m *Monitor) save(ctx context.Context) error {
	if err := m.bridge.Save(ctx, m.state()); err != nil {
		metrics.PersistErrors.Inc()
		return err
	}
	return nil
}

func (m *Monitor) flushLifetime(ctx context.Context) {
	rec, ok := m.store.(kvstore.LifetimeRecorder)
	if !ok {
		return
	}
	snaps := make([]kvstore.LifetimeSnapshot, 0, len(traffic.Sources))
	for _, src := range traffic.Sources {
		c := m.counters.Snapshot(src)
		snaps = append(snaps, kvstore.LifetimeSnapshot{
			Source:       string(src),
			SentBits:     int64(c.SentBits),
			ReceivedBits: int64(c.ReceivedBits),
			Packets:      int64(c.PacketCount),
		})
	}
	if err := rec.FlushLifetime(ctx, snaps); err != nil {
		m.logger.Warn("failed to flush lifetime totals", "err", err)
	}
}

func (m *Monitor) updateGauges() {
	s := m.Settings()
	if s.Monitoring {
		metrics.MonitoringEnabled.Set(1)
	} else {
		metrics.MonitoringEnabled.Set(0)
	}
	for _, src := range traffic.Sources {
		c := m.counters.Snapshot(src)
		metrics.TrafficBits.WithLabelValues(string(src), "sent").Set(float64(c.SentBits))
		metrics.TrafficBits.WithLabelValues(string(src), "received").Set(float64(c.ReceivedBits))
		metrics.TrafficPackets.WithLabelValues(string(src)).Set(float64(c.PacketCount))
	}
	metrics.HistoryLength.Set(float64(m.counters.HistoryLen()))
}
