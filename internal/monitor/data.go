package monitor

import (
	"context"
	"time"

	"github.com/bigbes/netmeter/internal/kvstore"
	"github.com/bigbes/netmeter/internal/metrics"
	"github.com/bigbes/netmeter/internal/settings"
	"github.com/bigbes/netmeter/internal/traffic"
)

// HistoryPoint is a history snapshot as sent to clients.
type HistoryPoint struct {
	Timestamp int64            `json:"timestamp"` // Unix milliseconds
	Primary   traffic.Counters `json:"primary"`
	Secondary traffic.Counters `json:"secondary"`
	Total     uint64           `json:"total"`
}

// Data is the getData view of the selected counter set.
type Data struct {
	Sent           string         `json:"sent"`
	Received       string         `json:"received"`
	Total          string         `json:"total"`
	PacketCount    uint64         `json:"packetCount"`
	Units          traffic.Unit   `json:"units"`
	Speed          float64        `json:"speed"` // bits per second
	History        []HistoryPoint `json:"history"`
	MonitoringMode traffic.Source `json:"monitoringMode"`
	IsMonitoring   bool           `json:"isMonitoring"`
	ColorTheme     settings.Theme `json:"colorTheme"`
}

// Data returns the formatted counters of the current mode. Speed is zero
// unless monitoring is on and at least two snapshots exist.
func (m *Monitor) Data() Data {
	s := m.Settings()
	c := m.counters.Snapshot(s.MonitoringMode)

	var speed float64
	if s.Monitoring {
		var ok bool
		if speed, ok = m.counters.CurrentRate(); !ok {
			metrics.RateRejected.Inc()
			m.mu.Lock()
			m.rateErrors++
			m.mu.Unlock()
		}
	}

	snaps := m.counters.History(DataHistoryLength)
	history := make([]HistoryPoint, len(snaps))
	for i, h := range snaps {
		history[i] = HistoryPoint{
			Timestamp: h.TimestampMillis(),
			Primary:   h.Primary,
			Secondary: h.Secondary,
			Total:     h.TotalBits,
		}
	}

	return Data{
		Sent:           traffic.Convert(float64(c.SentBits), s.Unit),
		Received:       traffic.Convert(float64(c.ReceivedBits), s.Unit),
		Total:          traffic.Convert(float64(c.TotalBits), s.Unit),
		PacketCount:    c.PacketCount,
		Units:          s.Unit,
		Speed:          speed,
		History:        history,
		MonitoringMode: s.MonitoringMode,
		IsMonitoring:   s.Monitoring,
		ColorTheme:     s.ColorTheme,
	}
}

// LifetimeTotals is the cumulative traffic of one source across resets.
type LifetimeTotals struct {
	SentBits     int64 `json:"sent"`
	ReceivedBits int64 `json:"received"`
	Packets      int64 `json:"packets"`
}

// Stats is the getStats view.
type Stats struct {
	PacketStats   map[traffic.Direction]traffic.DirectionStats `json:"packetStats"`
	HistoryLength int                                          `json:"historyLength"`
	FailureStreak int                                          `json:"failureStreak"`
	TickFailures  uint64                                       `json:"tickFailures"`
	Recoveries    uint64                                       `json:"recoveries"`
	RateErrors    uint64                                       `json:"rateErrors"`
	UptimeSeconds int64                                        `json:"uptimeSeconds"`
	Lifetime      map[traffic.Source]LifetimeTotals            `json:"lifetime,omitempty"`
}

// Stats returns packet statistics and error counters. Lifetime totals are
// included when the store keeps them.
func (m *Monitor) Stats(ctx context.Context) Stats {
	startedAt := m.startTime()
	m.mu.Lock()
	st := Stats{
		PacketStats:   m.stats.Snapshot(),
		HistoryLength: m.counters.HistoryLen(),
		FailureStreak: m.failures,
		TickFailures:  m.totalFailures,
		Recoveries:    m.recoveries,
		RateErrors:    m.rateErrors,
	}
	m.mu.Unlock()

	if !startedAt.IsZero() {
		st.UptimeSeconds = int64(m.now().Sub(startedAt).Seconds())
	}

	rec, ok := m.store.(kvstore.LifetimeRecorder)
	if !ok {
		return st
	}
	totals, err := rec.Lifetime(ctx)
	if err != nil {
		m.logger.Warn("failed to read lifetime totals", "err", err)
		return st
	}
	st.Lifetime = make(map[traffic.Source]LifetimeTotals, len(totals))
	for src, r := range totals {
		st.Lifetime[traffic.Source(src)] = LifetimeTotals{
			SentBits:     r.SentBitsTotal,
			ReceivedBits: r.ReceivedBitsTotal,
			Packets:      r.PacketsTotal,
		}
	}
	return st
}

// startTime prefers the start time recorded in the store.
func (m *Monitor) startTime() time.Time {
	m.lifecycle.Lock()
	startedAt := m.startedAt
	m.lifecycle.Unlock()

	if r, ok := m.store.(startTimeRecorder); ok && !startedAt.IsZero() {
		t, err := r.GetDaemonStartTime()
		if err == nil && !t.IsZero() {
			return t
		}
		m.logger.Debug("stored start time unavailable", "err", err)
	}
	return startedAt
}
