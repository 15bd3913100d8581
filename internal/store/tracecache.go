package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"doctrace/internal/logging"
	"doctrace/internal/trace"

	_ "modernc.org/sqlite"
)

// TraceCache persists the last delivered snapshot per trace id. The sync
// engine writes through it on every delivery; on reconnect or restart the
// cached snapshot seeds the view before the resync fetch lands.
type TraceCache struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewTraceCache opens (or creates) the snapshot cache at path.
func NewTraceCache(path string) (*TraceCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace cache: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trace_snapshots (
		trace_id   TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		high_water INTEGER NOT NULL,
		snapshot   TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trace_snapshots_status ON trace_snapshots(status);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure trace cache schema: %w", err)
	}

	logging.StoreDebug("trace cache opened: %s", path)
	return &TraceCache{db: db}, nil
}

// Put stores the snapshot, replacing any previous one for the same trace.
func (c *TraceCache) Put(t *trace.Trace) error {
	if t == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`
		INSERT INTO trace_snapshots (trace_id, status, high_water, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			status = excluded.status,
			high_water = excluded.high_water,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		t.ID, string(t.Status), t.HighWater(), string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Get returns the cached snapshot for id, or nil when none is cached.
func (c *TraceCache) Get(id string) (*trace.Trace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var raw string
	err := c.db.QueryRow(`SELECT snapshot FROM trace_snapshots WHERE trace_id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var t trace.Trace
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("parse cached snapshot: %w", err)
	}
	return &t, nil
}

// Delete removes the cached snapshot for id.
func (c *TraceCache) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`DELETE FROM trace_snapshots WHERE trace_id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *TraceCache) Close() error { return c.db.Close() }
