// Package widget implements the read-only on-page traffic widget: its
// message handler, its polling loop and its text rendering.
package widget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/schedule"
	"github.com/bigbes/netmeter/internal/settings"
	"github.com/bigbes/netmeter/internal/traffic"
)

const PollInterval = time.Second

// DataSource supplies getData responses. *client.Client implements it.
type DataSource interface {
	GetData(ctx context.Context) (monitor.Data, error)
}

// Response is the reply to a widget message.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// State is what the widget currently shows.
type State struct {
	Present    bool
	Total      string
	Units      traffic.Unit
	Speed      float64 // bits per second
	Monitoring bool
	Theme      settings.Theme
	UpdatedAt  time.Time
}

// Widget holds the widget model. Nothing is shown until it is created.
type Widget struct {
	src    DataSource
	logger *slog.Logger
	now    func() time.Time
	poll   *schedule.Task

	mu    sync.Mutex
	state State
}

// New creates an absent widget.
func New(src DataSource, logger *slog.Logger) *Widget {
	w := &Widget{
		src:    src,
		logger: logger,
		now:    time.Now,
		state:  blank(),
	}
	w.poll = schedule.New("widget-poll", PollInterval, w.Poll, logger)
	return w
}

func blank() State {
	return State{Total: traffic.Convert(0, traffic.DefaultUnit), Units: traffic.DefaultUnit, Theme: settings.DefaultTheme}
}

// Handle processes one widget message and returns the encoded reply.
func (w *Widget) Handle(ctx context.Context, raw []byte) []byte {
	req, err := protocol.Decode(raw, protocol.WidgetActions)
	if err != nil {
		pe := protocol.AsError(err)
		w.logger.Debug("widget message rejected", "kind", pe.Kind, "err", pe.Err)
		return protocol.Encode(Response{Error: pe.Message})
	}

	switch req.Action {
	case protocol.ActionPing:
		return protocol.Encode(Response{Success: true, Message: "widget ready"})
	case protocol.ActionCreateWidget:
		w.Create(ctx)
		return protocol.Encode(Response{Success: true, Message: "widget created"})
	case protocol.ActionRemoveWidget:
		w.Remove()
		return protocol.Encode(Response{Success: true, Message: "widget removed"})
	case protocol.ActionToggleWidget:
		if w.Present() {
			w.Remove()
			return protocol.Encode(Response{Success: true, Message: "widget removed"})
		}
		w.Create(ctx)
		return protocol.Encode(Response{Success: true, Message: "widget created"})
	case protocol.ActionUpdateWidgetData:
		if req.Data != nil {
			w.Apply(*req.Data)
		} else if err := w.Poll(ctx); err != nil {
			return protocol.Encode(Response{Error: err.Error()})
		}
		return protocol.Encode(Response{Success: true, Message: "widget data updated"})
	}
	return protocol.Encode(Response{Error: protocol.MsgUnauthorized})
}

// Create shows the widget and starts polling. Creating a present widget
// is a no-op.
func (w *Widget) Create(ctx context.Context) {
	w.mu.Lock()
	if w.state.Present {
		w.mu.Unlock()
		return
	}
	w.state.Present = true
	w.mu.Unlock()

	w.logger.Info("widget created")
	if err := w.Poll(ctx); err != nil {
		w.logger.Warn("initial widget update failed", "err", err)
	}
	w.poll.Start(context.WithoutCancel(ctx))
}

// Remove hides the widget and stops polling.
func (w *Widget) Remove() {
	w.poll.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.state.Present {
		return
	}
	w.state = blank()
	w.logger.Info("widget removed")
}

// Close stops polling.
func (w *Widget) Close() { w.poll.Stop() }

// Present reports whether the widget is shown.
func (w *Widget) Present() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Present
}

// State returns a copy of the widget model.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Poll fetches getData and applies it.
func (w *Widget) Poll(ctx context.Context) error {
	if !w.Present() {
		return nil
	}
	d, err := w.src.GetData(ctx)
	if err != nil {
		return fmt.Errorf("widget: poll: %w", err)
	}
	w.Apply(d)
	return nil
}

// Apply updates the model from d. Updates for an absent widget are
// dropped.
func (w *Widget) Apply(d monitor.Data) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.state.Present {
		return
	}
	w.state.Total = d.Total
	w.state.Units = d.Units
	w.state.Speed = d.Speed
	w.state.Monitoring = d.IsMonitoring
	if d.ColorTheme != "" {
		w.state.Theme = d.ColorTheme
	}
	w.state.UpdatedAt = w.now()
}

// SpeedText formats a bits-per-second speed as decimal Mbps with two
// decimals. Non-positive speeds are not shown and yield "".
func SpeedText(bitsPerSecond float64) string {
	if !(bitsPerSecond > 0) {
		return ""
	}
	return strconv.FormatFloat(bitsPerSecond/1e6, 'f', 2, 64)
}

// Render returns the widget's one-line text, or "" while absent.
func (s State) Render() string {
	if !s.Present {
		return ""
	}
	status := "OFF"
	if s.Monitoring {
		status = "ON"
	}
	line := fmt.Sprintf("[%s] %s %s", status, s.Total, s.Units)
	if sp := SpeedText(s.Speed); sp != "" {
		line += "  " + sp + " Mbps"
	}
	return line
}
