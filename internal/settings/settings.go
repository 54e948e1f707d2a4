// Package settings defines the user-tunable monitor settings and their
// validation rules.
package settings

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbes/netmeter/internal/traffic"
)

// Theme is the colour theme shared by the popup and the widget.
type Theme string

const (
	ThemeYellow Theme = "yellow"
	ThemeWhite  Theme = "white"
)

const (
	MinUpdateIntervalMs     = 200
	MaxUpdateIntervalMs     = 2000
	DefaultUpdateIntervalMs = 200

	DefaultTheme = ThemeYellow
	DefaultMode  = traffic.SourcePrimary
	DefaultUnit  = traffic.DefaultUnit
)

var (
	ErrInvalidMode     = errors.New("invalid monitoring mode")
	ErrInvalidUnit     = errors.New("invalid data units")
	ErrInvalidTheme    = errors.New("invalid color theme")
	ErrInvalidInterval = errors.New("invalid update interval")
)

// Settings is the process-wide monitor configuration.
type Settings struct {
	MonitoringMode   traffic.Source
	Unit             traffic.Unit
	UpdateIntervalMs int
	ColorTheme       Theme
	Monitoring       bool
}

// Default returns the settings used when nothing valid is stored.
func Default() Settings {
	return Settings{
		MonitoringMode:   DefaultMode,
		Unit:             DefaultUnit,
		UpdateIntervalMs: DefaultUpdateIntervalMs,
		ColorTheme:       DefaultTheme,
	}
}

// UpdateInterval returns the monitoring tick period.
func (s Settings) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateIntervalMs) * time.Millisecond
}

// ParseMode validates a monitoring mode. The legacy names "chrome" and
// "device" are accepted only when legacy is true.
func ParseMode(s string, legacy bool) (traffic.Source, error) {
	if src, ok := traffic.ParseSource(s); ok {
		return src, nil
	}
	if legacy {
		switch s {
		case "chrome":
			return traffic.SourcePrimary, nil
		case "device":
			return traffic.SourceSecondary, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ParseUnit validates a data unit.
func ParseUnit(s string) (traffic.Unit, error) {
	if u, ok := traffic.ParseUnit(s); ok {
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
}

// ParseTheme validates a colour theme.
func ParseTheme(s string) (Theme, error) {
	switch Theme(s) {
	case ThemeYellow, ThemeWhite:
		return Theme(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTheme, s)
}

// CheckInterval rejects intervals outside [MinUpdateIntervalMs, MaxUpdateIntervalMs].
func CheckInterval(ms int) error {
	if ms < MinUpdateIntervalMs || ms > MaxUpdateIntervalMs {
		return fmt.Errorf("%w: %d ms not in [%d, %d]", ErrInvalidInterval, ms, MinUpdateIntervalMs, MaxUpdateIntervalMs)
	}
	return nil
}

// ClampInterval forces ms into the allowed range. Zero selects the default.
func ClampInterval(ms int) int {
	if ms == 0 {
		return DefaultUpdateIntervalMs
	}
	return max(MinUpdateIntervalMs, min(MaxUpdateIntervalMs, ms))
}
