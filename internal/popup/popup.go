// Package popup keeps the popup's derived view of the daemon: displayed
// counters, smoothed speed, usage insights and the monitoring watchdog.
package popup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/schedule"
	"github.com/bigbes/netmeter/internal/traffic"
)

const (
	RefreshInterval  = time.Second
	SpeedInterval    = 500 * time.Millisecond
	HealthInterval   = time.Second
	WatchdogInterval = 5 * time.Second

	// MaxZeroSpeedReadings turns speed monitoring off after 12 s of zero
	// or invalid readings.
	MaxZeroSpeedReadings = 24

	// LowDataBits and MaxLowDataChecks define an idle popup: less than
	// 100 bytes seen for 25 consecutive health checks.
	LowDataBits      = 800
	MaxLowDataChecks = 25
)

const (
	taskRefresh  = "refresh"
	taskSpeed    = "speed"
	taskHealth   = "health"
	taskWatchdog = "watchdog"
)

// Backend is the daemon as seen by the popup. *client.Client implements it.
type Backend interface {
	GetData(ctx context.Context) (monitor.Data, error)
	GetSettings(ctx context.Context) (protocol.SettingsResponse, error)
	StartMonitoring(ctx context.Context) error
	StopMonitoring(ctx context.Context) error
}

// View is a consistent snapshot of everything the popup displays.
type View struct {
	Data            monitor.Data
	Monitoring      bool
	Degraded        bool
	SpeedMonitoring bool
	SpeedMbps       float64
	Insights        Insights
	HealthResets    uint64
	Corrections     uint64
}

// Options configures a Popup.
type Options struct {
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Popup is the client-side state holder. It never mutates daemon state
// except through explicit commands and watchdog corrections.
type Popup struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	refresh  *schedule.Task
	speed    *schedule.Task
	health   *schedule.Task
	watchdog *schedule.Task

	mu            sync.Mutex
	ctx           context.Context
	monitoring    bool
	data          monitor.Data
	degraded      bool
	speedOn       bool
	window        *traffic.RateWindow
	lastBits      float64
	lastAt        time.Time
	havePrev      bool
	speedMbps     float64
	lowDataChecks int
	healthResets  uint64
	corrections   uint64
}

// New creates a popup bound to backend.
func New(backend Backend, opts Options, logger *slog.Logger) *Popup {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Popup{
		backend: backend,
		logger:  logger,
		now:     opts.Now,
		window:  traffic.NewRateWindow(traffic.DefaultRateWindow, 0),
		data:    zeroData(traffic.DefaultUnit),
	}
	p.refresh = schedule.New(taskRefresh, RefreshInterval, p.Refresh, logger)
	p.speed = schedule.New(taskSpeed, SpeedInterval, p.SampleSpeed, logger)
	p.health = schedule.New(taskHealth, HealthInterval, p.CheckHealth, logger)
	p.watchdog = schedule.New(taskWatchdog, WatchdogInterval, p.Watchdog, logger)
	return p
}

// Start loads the daemon state and launches the popup tasks. Speed
// monitoring starts when speed is true.
func (p *Popup) Start(ctx context.Context, speed bool) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	s, err := p.backend.GetSettings(ctx)
	if err != nil {
		p.logger.Warn("failed to load settings, assuming monitoring is off", "err", err)
	} else {
		p.mu.Lock()
		p.monitoring = s.IsMonitoring
		p.mu.Unlock()
	}
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("initial refresh failed", "err", err)
	}

	p.refresh.Start(ctx)
	p.health.Start(ctx)
	p.watchdog.Start(ctx)
	if speed {
		p.SetSpeedMonitoring(true)
	}
}

// Stop cancels all popup tasks.
func (p *Popup) Stop() {
	for _, t := range []*schedule.Task{p.refresh, p.speed, p.health, p.watchdog} {
		t.Stop()
	}
}

// View returns the current display state.
func (p *Popup) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return View{
		Data:            p.data,
		Monitoring:      p.monitoring,
		Degraded:        p.degraded,
		SpeedMonitoring: p.speedOn,
		SpeedMbps:       p.speedMbps,
		Insights:        ComputeInsights(p.data),
		HealthResets:    p.healthResets,
		Corrections:     p.corrections,
	}
}

// Refresh fetches getData. On failure the display degrades to zeros in the
// current unit and the error is returned.
func (p *Popup) Refresh(ctx context.Context) error {
	d, err := p.backend.GetData(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.data = zeroData(p.data.Units)
		p.degraded = true
		return fmt.Errorf("popup: refresh: %w", err)
	}
	p.data = d
	p.degraded = false
	return nil
}

// SetMonitoring asks the daemon to start or stop monitoring. The believed
// state only changes when the daemon acknowledges.
func (p *Popup) SetMonitoring(ctx context.Context, on bool) error {
	var err error
	if on {
		err = p.backend.StartMonitoring(ctx)
	} else {
		err = p.backend.StopMonitoring(ctx)
	}
	if err != nil {
		return fmt.Errorf("popup: set monitoring %t: %w", on, err)
	}
	p.mu.Lock()
	p.monitoring = on
	p.mu.Unlock()
	return nil
}

// SetSpeedMonitoring turns the speed sampler on or off.
func (p *Popup) SetSpeedMonitoring(on bool) {
	p.mu.Lock()
	ctx := p.ctx
	p.speedOn = on
	p.resetSpeedLocked()
	p.mu.Unlock()

	if !on {
		p.speed.Stop()
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.speed.Start(ctx)
}

func (p *Popup) resetSpeedLocked() {
	p.window = traffic.NewRateWindow(traffic.DefaultRateWindow, 0)
	p.havePrev = false
	p.lastBits = 0
	p.speedMbps = 0
}

// SampleSpeed takes one speed reading from the change in sent+received
// since the previous reading. After MaxZeroSpeedReadings zero or invalid
// readings in a row speed monitoring turns itself off.
func (p *Popup) SampleSpeed(ctx context.Context) error {
	d, err := p.backend.GetData(ctx)
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.speedOn {
		return nil
	}
	defer p.checkZeroStreakLocked()

	if err != nil {
		p.window.Fail()
		p.speedMbps = 0
		return fmt.Errorf("popup: sample speed: %w", err)
	}

	cur := displayBits(d.Sent, d.Units) + displayBits(d.Received, d.Units)
	if !p.havePrev {
		p.lastBits, p.lastAt, p.havePrev = cur, now, true
		return nil
	}

	rate, ok := traffic.DeltaRate(p.lastBits, cur, now.Sub(p.lastAt))
	if !ok {
		p.window.Fail()
		p.speedMbps = 0
		p.lastBits, p.lastAt = cur, now
		return nil
	}
	p.lastBits, p.lastAt = cur, now
	p.speedMbps = p.window.Add(rate) / traffic.BitsPerMegabit
	return nil
}

func (p *Popup) checkZeroStreakLocked() {
	if p.window.ErrorStreak() < MaxZeroSpeedReadings {
		return
	}
	p.logger.Info("no traffic for a while, turning speed monitoring off",
		"readings", p.window.ErrorStreak())
	p.speedOn = false
	p.resetSpeedLocked()
	p.speed.Cancel()
}

// CheckHealth counts consecutive checks that saw less than LowDataBits in
// total and resets the popup's derived state after MaxLowDataChecks.
func (p *Popup) CheckHealth(ctx context.Context) error {
	d, err := p.backend.GetData(ctx)
	if err != nil {
		return fmt.Errorf("popup: health check: %w", err)
	}
	total := displayBits(d.Sent, d.Units) + displayBits(d.Received, d.Units)

	p.mu.Lock()
	defer p.mu.Unlock()
	if total >= LowDataBits {
		p.lowDataChecks = 0
		return nil
	}
	p.lowDataChecks++
	if p.lowDataChecks < MaxLowDataChecks {
		return nil
	}

	p.logger.Info("almost no data seen, resetting popup state", "checks", p.lowDataChecks)
	p.lowDataChecks = 0
	p.healthResets++
	p.resetSpeedLocked()
	p.data = d
	p.degraded = false
	return nil
}

// Watchdog compares the believed monitoring state with the daemon's and
// re-issues the believed action when they differ.
func (p *Popup) Watchdog(ctx context.Context) error {
	s, err := p.backend.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("popup: watchdog: %w", err)
	}

	p.mu.Lock()
	want := p.monitoring
	p.mu.Unlock()
	if s.IsMonitoring == want {
		return nil
	}

	p.logger.Warn("monitoring state mismatch, correcting", "want", want, "daemon", s.IsMonitoring)
	if want {
		err = p.backend.StartMonitoring(ctx)
	} else {
		err = p.backend.StopMonitoring(ctx)
	}
	if err != nil {
		return fmt.Errorf("popup: watchdog correction: %w", err)
	}
	p.mu.Lock()
	p.corrections++
	p.mu.Unlock()
	return nil
}

func displayBits(v string, u traffic.Unit) float64 {
	return traffic.ToBits(traffic.ParseDisplay(v), u)
}

func zeroData(u traffic.Unit) monitor.Data {
	if !u.Valid() {
		u = traffic.DefaultUnit
	}
	zero := traffic.Convert(0, u)
	return monitor.Data{
		Sent:           zero,
		Received:       zero,
		Total:          zero,
		Units:          u,
		History:        []monitor.HistoryPoint{},
		MonitoringMode: traffic.SourcePrimary,
	}
}
