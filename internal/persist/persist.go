// Package persist maps monitor state to the flat key layout kept in a
// kvstore.Store and back.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/bigbes/netmeter/internal/kvstore"
	"github.com/bigbes/netmeter/internal/settings"
	"github.com/bigbes/netmeter/internal/traffic"
)

// Stored keys. Each value is an independent JSON document.
const (
	KeyIsMonitoring     = "isMonitoring"
	KeyMonitoringMode   = "monitoringMode"
	KeyDataUnits        = "dataUnits"
	KeyUpdateIntervalMs = "updateIntervalMs"
	KeyColorTheme       = "colorTheme"
	KeyPrimaryData      = "primaryData"
	KeySecondaryData    = "secondaryData"
)

// Keys lists every stored key.
var Keys = []string{
	KeyIsMonitoring,
	KeyMonitoringMode,
	KeyDataUnits,
	KeyUpdateIntervalMs,
	KeyColorTheme,
	KeyPrimaryData,
	KeySecondaryData,
}

// Keys written by older releases. Their counters are read when the current
// key is missing; all of them are removed after the next successful Save.
const (
	legacyPrimaryData   = "chromeData"
	legacySecondaryData = "deviceData"
	legacyHistory       = "history"
)

var legacyKeys = []string{legacyPrimaryData, legacySecondaryData, legacyHistory}

func legacyCounterKey(src traffic.Source) string {
	if src == traffic.SourceSecondary {
		return legacySecondaryData
	}
	return legacyPrimaryData
}

// CounterKey returns the key holding the counters of src.
func CounterKey(src traffic.Source) string {
	if src == traffic.SourceSecondary {
		return KeySecondaryData
	}
	return KeyPrimaryData
}

// State is everything that survives a restart.
type State struct {
	Settings settings.Settings
	Counters map[traffic.Source]traffic.Counters
}

// DefaultState returns defaults with zero counters.
func DefaultState(defaults settings.Settings) State {
	st := State{
		Settings: defaults,
		Counters: make(map[traffic.Source]traffic.Counters, len(traffic.Sources)),
	}
	st.Settings.Monitoring = false
	for _, src := range traffic.Sources {
		st.Counters[src] = traffic.NewCounters()
	}
	return st
}

// Bridge loads and saves State.
type Bridge struct {
	store    kvstore.Store
	defaults settings.Settings
	logger   *slog.Logger

	// legacy is set while keys of an older layout remain in the store.
	legacy atomic.Bool
}

// New creates a bridge. defaults replace any missing or invalid field.
func New(store kvstore.Store, defaults settings.Settings, logger *slog.Logger) *Bridge {
	return &Bridge{store: store, defaults: defaults, logger: logger}
}

// Load reads the stored state. Every field is validated on its own; an
// invalid or missing field falls back to its default. A store failure
// yields the full defaults.
func (b *Bridge) Load(ctx context.Context) State {
	st := DefaultState(b.defaults)

	raw, err := b.store.Get(ctx, append(slices.Clone(Keys), legacyKeys...)...)
	if err != nil {
		b.logger.Error("failed to load state, using defaults", "err", err)
		return st
	}
	for _, key := range legacyKeys {
		if _, ok := raw[key]; ok {
			b.legacy.Store(true)
			b.logger.Info("found state in legacy layout, migrating")
			break
		}
	}

	if v, ok := raw[KeyIsMonitoring]; ok {
		var on bool
		if err := json.Unmarshal(v, &on); err == nil {
			st.Settings.Monitoring = on
		} else {
			b.invalid(KeyIsMonitoring, v)
		}
	}

	if s, ok := b.decodeString(raw, KeyMonitoringMode); ok {
		if mode, err := settings.ParseMode(s, true); err == nil {
			st.Settings.MonitoringMode = mode
		} else {
			b.invalid(KeyMonitoringMode, raw[KeyMonitoringMode])
		}
	}

	if s, ok := b.decodeString(raw, KeyDataUnits); ok {
		if u, err := settings.ParseUnit(s); err == nil {
			st.Settings.Unit = u
		} else {
			b.invalid(KeyDataUnits, raw[KeyDataUnits])
		}
	}

	if v, ok := raw[KeyUpdateIntervalMs]; ok {
		if ms, ok := decodeInt(v); ok && ms > 0 {
			st.Settings.UpdateIntervalMs = settings.ClampInterval(ms)
		} else {
			b.invalid(KeyUpdateIntervalMs, v)
		}
	}

	if s, ok := b.decodeString(raw, KeyColorTheme); ok {
		if th, err := settings.ParseTheme(s); err == nil {
			st.Settings.ColorTheme = th
		} else {
			b.invalid(KeyColorTheme, raw[KeyColorTheme])
		}
	}

	for _, src := range traffic.Sources {
		key := CounterKey(src)
		v, ok := raw[key]
		if !ok {
			key = legacyCounterKey(src)
			v, ok = raw[key]
		}
		if ok {
			c, valid := decodeCounters(v)
			if !valid {
				b.invalid(key, v)
			}
			st.Counters[src] = c
		}
	}

	return st
}

// Save writes every key in one call.
func (b *Bridge) Save(ctx context.Context, st State) error {
	values := make(map[string][]byte, len(Keys))
	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("persist: encode %s: %w", key, err)
		}
		values[key] = data
		return nil
	}

	s := st.Settings
	for _, kv := range []struct {
		key string
		v   any
	}{
		{KeyIsMonitoring, s.Monitoring},
		{KeyMonitoringMode, string(s.MonitoringMode)},
		{KeyDataUnits, string(s.Unit)},
		{KeyUpdateIntervalMs, s.UpdateIntervalMs},
		{KeyColorTheme, string(s.ColorTheme)},
	} {
		if err := put(kv.key, kv.v); err != nil {
			return err
		}
	}
	for _, src := range traffic.Sources {
		c, ok := st.Counters[src]
		if !ok {
			c = traffic.NewCounters()
		}
		if err := put(CounterKey(src), c); err != nil {
			return err
		}
	}

	if err := b.store.Set(ctx, values); err != nil {
		return fmt.Errorf("persist: save: %w", err)
	}

	if b.legacy.Load() {
		if err := b.store.Remove(ctx, legacyKeys...); err != nil {
			b.logger.Warn("failed to remove legacy keys", "err", err)
			return nil
		}
		b.legacy.Store(false)
		b.logger.Info("removed legacy state keys", "keys", legacyKeys)
	}
	return nil
}

func (b *Bridge) decodeString(raw map[string][]byte, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		b.invalid(key, v)
		return "", false
	}
	return s, true
}

func (b *Bridge) invalid(key string, v []byte) {
	b.logger.Warn("invalid stored value, using default", "key", key, "value", truncate(string(v), 64))
}

// decodeInt accepts a JSON number or a string holding a decimal integer.
func decodeInt(v []byte) (int, bool) {
	var x any
	if err := json.Unmarshal(v, &x); err != nil {
		return 0, false
	}
	switch t := x.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t > math.MaxInt32 || t < math.MinInt32 {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

type storedCounters struct {
	Sent        *float64 `json:"sent"`
	Received    *float64 `json:"received"`
	PacketCount *float64 `json:"packetCount"`
}

// decodeCounters validates each counter field on its own. Invalid fields
// become zero (one for the packet count); total is always recomputed.
func decodeCounters(v []byte) (traffic.Counters, bool) {
	c := traffic.NewCounters()
	var in storedCounters
	if err := json.Unmarshal(v, &in); err != nil {
		return c, false
	}

	valid := true
	field := func(p *float64) uint64 {
		if p == nil {
			valid = false
			return 0
		}
		x := *p
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 || x > traffic.MaxSafeBits {
			valid = false
			return 0
		}
		return uint64(x)
	}

	c.SentBits = field(in.Sent)
	c.ReceivedBits = field(in.Received)
	if pc := field(in.PacketCount); pc >= 1 {
		c.PacketCount = pc
	} else {
		valid = false
	}
	c.TotalBits = c.SentBits + c.ReceivedBits
	return c, valid
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
