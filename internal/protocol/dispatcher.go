package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/bigbes/netmeter/internal/metrics"
	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/settings"
)

// Backend is the state owner the dispatcher drives. *monitor.Monitor
// implements it.
type Backend interface {
	Data() monitor.Data
	Settings() settings.Settings
	Stats(ctx context.Context) monitor.Stats
	StartMonitoring(ctx context.Context) error
	StopMonitoring(ctx context.Context) error
	SetMonitoringMode(ctx context.Context, mode string) error
	SetDataUnits(ctx context.Context, unit string) error
	SetColorTheme(ctx context.Context, theme string) error
	SetUpdateInterval(ctx context.Context, ms int) error
	ResetData(ctx context.Context) error
}

// Dispatcher routes daemon requests to a Backend.
type Dispatcher struct {
	backend Backend
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over backend.
func NewDispatcher(backend Backend, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{backend: backend, logger: logger}
}

// Handle decodes raw, runs it and returns the encoded response together
// with the protocol error, if any.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) ([]byte, *Error) {
	req, err := Decode(raw, DaemonActions)
	if err != nil {
		pe := AsError(err)
		d.reject(req.Action, pe)
		return Encode(ErrorResponse{Error: pe.Message}), pe
	}
	resp, err := d.Dispatch(ctx, req)
	if err != nil {
		pe := AsError(err)
		d.reject(req.Action, pe)
		return Encode(ErrorResponse{Error: pe.Message}), pe
	}
	return Encode(resp), nil
}

// Dispatch runs an already decoded request. Panics in the backend are
// turned into internal errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling message",
				"action", req.Action,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			resp, err = nil, NewInternal(fmt.Errorf("panic: %v", r))
		}
	}()

	if !allowed(req.Action, DaemonActions) {
		return nil, NewUnauthorized(req.Action)
	}
	metrics.MessagesTotal.WithLabelValues(req.Action).Inc()

	switch req.Action {
	case ActionGetData:
		return d.backend.Data(), nil
	case ActionGetSettings:
		return NewSettingsResponse(d.backend.Settings()), nil
	case ActionGetStats:
		return d.backend.Stats(ctx), nil
	case ActionStartMonitoring:
		return success(d.backend.StartMonitoring(ctx))
	case ActionStopMonitoring:
		return success(d.backend.StopMonitoring(ctx))
	case ActionSetMonitoringMode:
		return success(d.backend.SetMonitoringMode(ctx, req.Mode))
	case ActionSetDataUnits:
		return success(d.backend.SetDataUnits(ctx, req.Units))
	case ActionSetColorTheme:
		return success(d.backend.SetColorTheme(ctx, req.Theme))
	case ActionSetUpdateInterval:
		ms, err := req.IntervalMs()
		if err != nil {
			return nil, NewValidation(err)
		}
		return success(d.backend.SetUpdateInterval(ctx, ms))
	case ActionResetData:
		return success(d.backend.ResetData(ctx))
	}
	return nil, NewUnauthorized(req.Action)
}

func (d *Dispatcher) reject(action string, pe *Error) {
	metrics.MessagesRejected.WithLabelValues(string(pe.Kind)).Inc()
	level := slog.LevelDebug
	if pe.Kind == KindInternal {
		level = slog.LevelError
	}
	d.logger.Log(context.Background(), level, "message rejected",
		"action", truncate(action, 64),
		"kind", pe.Kind,
		"err", pe.Err,
	)
}

func success(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return SuccessResponse{Success: true}, nil
}
