// Package kvstore provides the durable key-value stores backing monitor
// state: SQLite (default), Redis and an in-memory map for tests.
package kvstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigbes/netmeter/internal/config"
)

// Store is a flat key-value store. Values are opaque documents written and
// read as a unit per key; Get omits keys that are not stored.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

// LifetimeSnapshot is the current counter reading of one source, fed to
// LifetimeRecorder.FlushLifetime.
type LifetimeSnapshot struct {
	Source       string
	SentBits     int64
	ReceivedBits int64
	Packets      int64
}

// LifetimeRecord is the cumulative total of one source across resets and
// restarts.
type LifetimeRecord struct {
	SentBitsTotal     int64
	ReceivedBitsTotal int64
	PacketsTotal      int64
	UpdatedUnix       int64
}

// LifetimeRecorder is implemented by stores that keep cumulative totals
// that survive counter resets.
type LifetimeRecorder interface {
	FlushLifetime(ctx context.Context, snaps []LifetimeSnapshot) error
	Lifetime(ctx context.Context) (map[string]LifetimeRecord, error)
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case config.StorageSQLite:
		s, err := OpenSQLite(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageRedis:
		r, err := OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPrefix, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.StorageMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kvstore: unknown storage type %q", cfg.Type)
	}
}
