package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bigbes/netmeter/internal/settings"
	"github.com/bigbes/netmeter/internal/traffic"
)

// DefaultPath is where commands look for the config file.
const DefaultPath = "configs/netmeter.yaml"

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// Device sampler kinds.
const (
	SamplerSystem    = "system"
	SamplerSynthetic = "synthetic"
)

type Config struct {
	LogLevel        string              `yaml:"log_level"`
	LogFormat       string              `yaml:"log_format"` // "text" or "json"
	Listen          string              `yaml:"listen"`
	Token           string              `yaml:"token"` // empty disables API auth
	Storage         StorageConfig       `yaml:"storage"`
	DeviceSampler   DeviceSamplerConfig `yaml:"device_sampler"`
	HistoryCapacity int                 `yaml:"history_capacity"`
	Observability   ObservabilityConfig `yaml:"observability"`
	Defaults        DefaultsConfig      `yaml:"defaults"`
}

type StorageConfig struct {
	Type        string `yaml:"type"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type DeviceSamplerConfig struct {
	Type      string `yaml:"type"`
	Interface string `yaml:"interface"` // empty sums all interfaces
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

// DefaultsConfig seeds settings that are not yet persisted.
type DefaultsConfig struct {
	MonitoringMode   string `yaml:"monitoring_mode"`
	DataUnits        string `yaml:"data_units"`
	UpdateIntervalMs int    `yaml:"update_interval_ms"`
	ColorTheme       string `yaml:"color_theme"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Complete fills unset fields with defaults and validates the result.
func (c *Config) Complete() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7878"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageSQLite
	}
	if c.Storage.Type == StorageSQLite && c.Storage.Path == "" {
		dir := "."
		if userData, err := os.UserConfigDir(); err == nil {
			dir = filepath.Join(userData, "netmeter")
		}
		c.Storage.Path = filepath.Join(dir, "state.sqlite")
	}
	if c.Storage.Type == StorageRedis && c.Storage.RedisAddr == "" {
		c.Storage.RedisAddr = "127.0.0.1:6379"
	}
	if c.DeviceSampler.Type == "" {
		c.DeviceSampler.Type = SamplerSystem
	}
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = traffic.DefaultHistoryCapacity
	}
	if c.Defaults.MonitoringMode == "" {
		c.Defaults.MonitoringMode = string(settings.DefaultMode)
	}
	if c.Defaults.DataUnits == "" {
		c.Defaults.DataUnits = string(settings.DefaultUnit)
	}
	if c.Defaults.UpdateIntervalMs == 0 {
		c.Defaults.UpdateIntervalMs = settings.DefaultUpdateIntervalMs
	}
	if c.Defaults.ColorTheme == "" {
		c.Defaults.ColorTheme = string(settings.DefaultTheme)
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: must be text or json", c.LogFormat)
	}
	switch c.Storage.Type {
	case StorageSQLite, StorageRedis, StorageMemory:
	default:
		return fmt.Errorf("storage.type %q: must be sqlite, redis or memory", c.Storage.Type)
	}
	switch c.DeviceSampler.Type {
	case SamplerSystem, SamplerSynthetic:
	default:
		return fmt.Errorf("device_sampler.type %q: must be system or synthetic", c.DeviceSampler.Type)
	}
	if c.HistoryCapacity < 2 {
		return fmt.Errorf("history_capacity %d: must be at least 2", c.HistoryCapacity)
	}
	if _, err := c.DefaultSettings(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

// DefaultSettings converts the defaults section into monitor settings.
func (c *Config) DefaultSettings() (settings.Settings, error) {
	s := settings.Default()
	var err error
	if s.MonitoringMode, err = settings.ParseMode(c.Defaults.MonitoringMode, false); err != nil {
		return s, err
	}
	if s.Unit, err = settings.ParseUnit(c.Defaults.DataUnits); err != nil {
		return s, err
	}
	if s.ColorTheme, err = settings.ParseTheme(c.Defaults.ColorTheme); err != nil {
		return s, err
	}
	if err = settings.CheckInterval(c.Defaults.UpdateIntervalMs); err != nil {
		return s, err
	}
	s.UpdateIntervalMs = c.Defaults.UpdateIntervalMs
	return s, nil
}

// Save writes the config as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Redacted returns a copy of the config safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Token != "" {
		out.Token = "***"
	}
	if out.Storage.RedisAddr != "" {
		out.Storage.RedisAddr = redactUserinfo(out.Storage.RedisAddr)
	}
	return &out
}

// redactUserinfo hides credentials in "user:pass@host:port" style addresses.
func redactUserinfo(addr string) string {
	if at := strings.LastIndex(addr, "@"); at != -1 {
		prefix := ""
		if i := strings.Index(addr, "//"); i != -1 && i < at {
			prefix = addr[:i+2]
		}
		return prefix + "***" + addr[at:]
	}
	return addr
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
