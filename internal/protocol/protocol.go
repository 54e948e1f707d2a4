// Package protocol defines the JSON request/response messages exchanged
// between the daemon, the popup and the widget, and their allow-lists.
package protocol

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/settings"
)

// Daemon actions.
const (
	ActionGetData           = "getData"
	ActionStartMonitoring   = "startMonitoring"
	ActionStopMonitoring    = "stopMonitoring"
	ActionSetMonitoringMode = "setMonitoringMode"
	ActionSetDataUnits      = "setDataUnits"
	ActionSetColorTheme     = "setColorTheme"
	ActionSetUpdateInterval = "setUpdateInterval"
	ActionResetData         = "resetData"
	ActionGetSettings       = "getSettings"
	ActionGetStats          = "getStats"
)

// Widget actions.
const (
	ActionPing             = "ping"
	ActionCreateWidget     = "createWidget"
	ActionRemoveWidget     = "removeWidget"
	ActionToggleWidget     = "toggleWidget"
	ActionUpdateWidgetData = "updateWidgetData"
)

// DaemonActions is the allow-list served by the daemon.
var DaemonActions = []string{
	ActionGetData,
	ActionStartMonitoring,
	ActionStopMonitoring,
	ActionSetMonitoringMode,
	ActionSetDataUnits,
	ActionSetColorTheme,
	ActionSetUpdateInterval,
	ActionResetData,
	ActionGetSettings,
	ActionGetStats,
}

// WidgetActions is the allow-list served by the widget.
var WidgetActions = []string{
	ActionPing,
	ActionCreateWidget,
	ActionRemoveWidget,
	ActionToggleWidget,
	ActionUpdateWidgetData,
}

// Field length limits.
const (
	maxActionLen = 50
	maxModeLen   = 20
	maxUnitsLen  = 10
	maxThemeLen  = 20
)

// Request is one message. Only the fields used by its action are set.
type Request struct {
	Action   string          `json:"action"`
	Mode     string          `json:"mode,omitempty"`
	Units    string          `json:"units,omitempty"`
	Theme    string          `json:"theme,omitempty"`
	Interval json.RawMessage `json:"interval,omitempty"` // number or numeric string
	Data     *monitor.Data   `json:"data,omitempty"`
}

// SuccessResponse acknowledges a command.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse carries a rejected request's error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SettingsResponse is the getSettings reply.
type SettingsResponse struct {
	MonitoringMode   string `json:"monitoringMode"`
	DataUnits        string `json:"dataUnits"`
	UpdateIntervalMs int    `json:"updateIntervalMs"`
	ColorTheme       string `json:"colorTheme"`
	IsMonitoring     bool   `json:"isMonitoring"`
}

// NewSettingsResponse renders s.
func NewSettingsResponse(s settings.Settings) SettingsResponse {
	return SettingsResponse{
		MonitoringMode:   string(s.MonitoringMode),
		DataUnits:        string(s.Unit),
		UpdateIntervalMs: s.UpdateIntervalMs,
		ColorTheme:       string(s.ColorTheme),
		IsMonitoring:     s.Monitoring,
	}
}

// Decode parses raw and checks it against allowedActions. Malformed messages
// yield KindInvalidRequest, unknown actions KindUnauthorized.
func Decode(raw []byte, allowedActions []string) (Request, error) {
	var req Request
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return req, NewInvalidRequest(fmt.Errorf("not a JSON object"))
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, NewInvalidRequest(err)
	}
	if err := req.validate(); err != nil {
		return req, err
	}
	if !allowed(req.Action, allowedActions) {
		return req, NewUnauthorized(req.Action)
	}
	return req, nil
}

func allowed(action string, list []string) bool {
	for _, a := range list {
		if action == a {
			return true
		}
	}
	return false
}

func (r Request) validate() error {
	switch {
	case r.Action == "":
		return NewInvalidRequest(fmt.Errorf("missing action"))
	case len(r.Action) > maxActionLen:
		return NewInvalidRequest(fmt.Errorf("action longer than %d bytes", maxActionLen))
	case len(r.Mode) > maxModeLen:
		return NewInvalidRequest(fmt.Errorf("mode longer than %d bytes", maxModeLen))
	case len(r.Units) > maxUnitsLen:
		return NewInvalidRequest(fmt.Errorf("units longer than %d bytes", maxUnitsLen))
	case len(r.Theme) > maxThemeLen:
		return NewInvalidRequest(fmt.Errorf("theme longer than %d bytes", maxThemeLen))
	}
	if len(r.Interval) > 0 {
		switch r.Interval[0] {
		case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		default:
			return NewInvalidRequest(fmt.Errorf("interval must be a number or string"))
		}
	}
	return nil
}

// IntervalMs returns the interval field as an integer. Numeric strings are
// accepted and fractions are truncated.
func (r Request) IntervalMs() (int, error) {
	if len(r.Interval) == 0 {
		return 0, fmt.Errorf("%w: missing", settings.ErrInvalidInterval)
	}
	var v any
	if err := json.Unmarshal(r.Interval, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", settings.ErrInvalidInterval, err)
	}
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t > math.MaxInt32 || t < math.MinInt32 {
			return 0, fmt.Errorf("%w: %v out of range", settings.ErrInvalidInterval, t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", settings.ErrInvalidInterval, t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: unsupported type", settings.ErrInvalidInterval)
}

// WidgetUpdate builds the push message carrying d.
func WidgetUpdate(d monitor.Data) Request {
	return Request{Action: ActionUpdateWidgetData, Data: &d}
}

// Encode marshals a response, falling back to the internal error reply.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(ErrorResponse{Error: MsgInternal})
	}
	return data
}
