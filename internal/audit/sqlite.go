// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// =============================================================================
// SQLITE STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    seq         INTEGER PRIMARY KEY,
    id          TEXT NOT NULL UNIQUE,
    ts          TEXT NOT NULL,
    kind        TEXT NOT NULL,
    type        TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT '',
    decision    TEXT NOT NULL DEFAULT '',
    resource_id TEXT NOT NULL DEFAULT '',
    prev_hash   TEXT NOT NULL,
    hash        TEXT NOT NULL,
    payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor);
`

// SQLiteStore persists ledger events to a single SQLite file. The full
// event JSON is kept in payload so a reload reproduces identical hashes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the audit database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("audit: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	// One connection serializes writes and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts one event. A duplicate seq is an error.
func (s *SQLiteStore) Append(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (seq, id, ts, kind, type, actor, decision, resource_id, prev_hash, hash, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.Timestamp.Format(timeLayout), string(e.Kind), e.Type, e.Actor,
		e.Decision, e.ResourceID, e.PrevHash, e.Hash, string(payload),
	)
	if err != nil {
		return fmt.Errorf("audit: insert seq %d: %w", e.Seq, err)
	}
	return nil
}

// Load returns every stored event in sequence order.
func (s *SQLiteStore) Load(ctx context.Context) ([]Event, error) {
	return s.selectEvents(ctx, "SELECT payload FROM audit_events ORDER BY seq")
}

// Query runs f against the database without loading the whole ledger.
// Used by offline tooling.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Type != "" {
		where = append(where, "type = ? COLLATE NOCASE")
		args = append(args, f.Type)
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Decision != "" {
		where = append(where, "decision = ? COLLATE NOCASE")
		args = append(args, f.Decision)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	limit := f.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	// Newest matches first, then flipped back to ascending order.
	inner := "SELECT seq, payload FROM audit_events"
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	inner += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	return s.selectEvents(ctx, "SELECT payload FROM ("+inner+") ORDER BY seq", args...)
}

func (s *SQLiteStore) selectEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("audit: decode payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout sorts lexically in time order for UTC timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"
