// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides stats/broadcast/sighting persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// createSchema creates the tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stats (
		key   TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS broadcasts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		type       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_sightings (
		agent_id     TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		last_seen    TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordPing increments the total counter and the counter for the reported
// version. An empty version counts under "unknown".
func (s *SQLiteStore) RecordPing(ctx context.Context, version string) error {
	if version == "" {
		version = "unknown"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `INSERT INTO stats (key, count) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET count = count + 1`
	if _, err := tx.ExecContext(ctx, upsert, "total_pings"); err != nil {
		return fmt.Errorf("incrementing total pings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "version:"+version); err != nil {
		return fmt.Errorf("incrementing version counter: %w", err)
	}

	return tx.Commit()
}

// GetStats returns the aggregated app-open counters.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, count FROM stats`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{Versions: make(map[string]int64)}
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		if key == "total_pings" {
			stats.TotalPings = count
		} else if rest, ok := strings.CutPrefix(key, "version:"); ok {
			stats.Versions[rest] = count
		}
	}
	return stats, rows.Err()
}

// SetBroadcast replaces the active broadcast with a new one.
func (s *SQLiteStore) SetBroadcast(ctx context.Context, typ BroadcastType, content string) (*Broadcast, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM broadcasts`); err != nil {
		return nil, fmt.Errorf("clearing previous broadcast: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO broadcasts (type, content, created_at) VALUES (?, ?, ?)`,
		string(typ), content, now)
	if err != nil {
		return nil, fmt.Errorf("inserting broadcast: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading broadcast id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Broadcast{ID: id, Type: typ, Content: content, CreatedAt: now}, nil
}

// ActiveBroadcast returns the active broadcast, or nil when none is set.
func (s *SQLiteStore) ActiveBroadcast(ctx context.Context) (*Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, content, created_at FROM broadcasts ORDER BY id DESC LIMIT 1`)

	var b Broadcast
	var typ string
	if err := row.Scan(&b.ID, &typ, &b.Content, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying broadcast: %w", err)
	}
	b.Type = BroadcastType(typ)
	return &b, nil
}

// ClearBroadcast removes the active broadcast.
func (s *SQLiteStore) ClearBroadcast(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts`); err != nil {
		return fmt.Errorf("deleting broadcast: %w", err)
	}
	return nil
}

// RecordAgentSeen upserts the sighting record for an agent. Display names
// replace, never merge.
func (s *SQLiteStore) RecordAgentSeen(ctx context.Context, agentID, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sightings (agent_id, display_name, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET display_name = excluded.display_name, last_seen = excluded.last_seen`,
		agentID, displayName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording agent sighting: %w", err)
	}
	return nil
}

// AgentsSeen lists sightings, most recent first.
func (s *SQLiteStore) AgentsSeen(ctx context.Context) ([]Sighting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, display_name, last_seen FROM agent_sightings ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sightings: %w", err)
	}
	defer rows.Close()

	var out []Sighting
	for rows.Next() {
		var sg Sighting
		if err := rows.Scan(&sg.AgentID, &sg.DisplayName, &sg.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning sighting row: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
