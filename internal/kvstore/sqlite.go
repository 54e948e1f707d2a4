package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a SQLite-backed persistent store.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the SQLite database at path and initialises the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("kvstore: create dir %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS daemon (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  start_time_unix INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lifetime_stats (
  source TEXT PRIMARY KEY,
  sent_total INTEGER NOT NULL DEFAULT 0,
  received_total INTEGER NOT NULL DEFAULT 0,
  packets_total INTEGER NOT NULL DEFAULT 0,
  sent_last_seen INTEGER NOT NULL DEFAULT 0,
  received_last_seen INTEGER NOT NULL DEFAULT 0,
  packets_last_seen INTEGER NOT NULL DEFAULT 0,
  updated_unix INTEGER NOT NULL DEFAULT 0
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("kvstore: init schema: %w", err)
	}
	return nil
}

// SetDaemonStartTime records the daemon start time (upsert, id=1).
func (s *SQLite) SetDaemonStartTime(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon (id, start_time_unix) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET start_time_unix = excluded.start_time_unix`,
		t.Unix(),
	)
	if err != nil {
		return fmt.Errorf("kvstore: set daemon start time: %w", err)
	}
	return nil
}

// GetDaemonStartTime returns the stored daemon start time.
func (s *SQLite) GetDaemonStartTime() (time.Time, error) {
	var unix int64
	err := s.db.QueryRow(`SELECT start_time_unix FROM daemon WHERE id = 1`).Scan(&unix)
	if err != nil {
		return time.Time{}, fmt.Errorf("kvstore: get daemon start time: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// Get returns the stored values for keys.
func (s *SQLite) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: query keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kvstore: scan key: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: iterate keys: %w", err)
	}
	return out, nil
}

// Set upserts all values in one transaction.
func (s *SQLite) Set(ctx context.Context, values map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv (key, value, updated_unix) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_unix = excluded.updated_unix`)
	if err != nil {
		return fmt.Errorf("kvstore: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := s.now().Unix()
	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v, now); err != nil {
			return fmt.Errorf("kvstore: upsert %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit set: %w", err)
	}
	return nil
}

// Remove deletes keys; missing keys are ignored.
func (s *SQLite) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("kvstore: remove keys: %w", err)
	}
	return nil
}

// FlushLifetime performs delta-accumulation for a batch of source snapshots.
// A reading lower than the last one seen means the counters were reset, and
// the full reading is taken as the delta.
func (s *SQLite) FlushLifetime(ctx context.Context, snaps []LifetimeSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	selStmt, err := tx.PrepareContext(ctx,
		`SELECT sent_last_seen, received_last_seen, packets_last_seen,
		        sent_total, received_total, packets_total
		 FROM lifetime_stats WHERE source = ?`)
	if err != nil {
		return fmt.Errorf("kvstore: prepare select: %w", err)
	}
	defer selStmt.Close()

	updStmt, err := tx.PrepareContext(ctx,
		`UPDATE lifetime_stats
		 SET sent_total = ?, received_total = ?, packets_total = ?,
		     sent_last_seen = ?, received_last_seen = ?, packets_last_seen = ?,
		     updated_unix = ?
		 WHERE source = ?`)
	if err != nil {
		return fmt.Errorf("kvstore: prepare update: %w", err)
	}
	defer updStmt.Close()

	insStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO lifetime_stats
		 (source, sent_total, received_total, packets_total,
		  sent_last_seen, received_last_seen, packets_last_seen, updated_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("kvstore: prepare insert: %w", err)
	}
	defer insStmt.Close()

	now := s.now().Unix()
	for _, p := range snaps {
		var sentLS, recvLS, pktLS, sentTotal, recvTotal, pktTotal int64
		err := selStmt.QueryRowContext(ctx, p.Source).Scan(
			&sentLS, &recvLS, &pktLS,
			&sentTotal, &recvTotal, &pktTotal,
		)
		if err == sql.ErrNoRows {
			if _, err := insStmt.ExecContext(ctx,
				p.Source, p.SentBits, p.ReceivedBits, p.Packets,
				p.SentBits, p.ReceivedBits, p.Packets, now,
			); err != nil {
				return fmt.Errorf("kvstore: insert lifetime %s: %w", p.Source, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("kvstore: select lifetime %s: %w", p.Source, err)
		}

		delta := func(curr, lastSeen int64) int64 {
			d := curr - lastSeen
			if d < 0 {
				return curr
			}
			return d
		}

		if _, err := updStmt.ExecContext(ctx,
			sentTotal+delta(p.SentBits, sentLS),
			recvTotal+delta(p.ReceivedBits, recvLS),
			pktTotal+delta(p.Packets, pktLS),
			p.SentBits, p.ReceivedBits, p.Packets,
			now,
			p.Source,
		); err != nil {
			return fmt.Errorf("kvstore: update lifetime %s: %w", p.Source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit lifetime flush: %w", err)
	}
	return nil
}

// Lifetime returns the cumulative totals keyed by source.
func (s *SQLite) Lifetime(ctx context.Context) (map[string]LifetimeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, sent_total, received_total, packets_total, updated_unix
		 FROM lifetime_stats`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: query lifetime: %w", err)
	}
	defer rows.Close()

	out := make(map[string]LifetimeRecord)
	for rows.Next() {
		var src string
		var r LifetimeRecord
		if err := rows.Scan(&src, &r.SentBitsTotal, &r.ReceivedBitsTotal, &r.PacketsTotal, &r.UpdatedUnix); err != nil {
			return nil, fmt.Errorf("kvstore: scan lifetime: %w", err)
		}
		out[src] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: iterate lifetime: %w", err)
	}
	return out, nil
}
