// Package audit keeps an append-only journal of every state-changing
// operation: saves, deletes, conflict resolutions, checkpoints, restores,
// and recoveries. Entries go to a JSONL file and to a sqlite table queried
// by the CLI.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Operation kinds recorded in the journal.
const (
	OpSave       = "save"
	OpDelete     = "delete"
	OpConflict   = "conflict_resolved"
	OpCheckpoint = "checkpoint"
	OpRestore    = "restore"
	OpRecovery   = "recovery"
)

// Entry is one journal record.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	Operation  string `json:"operation"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	SessionID  string `json:"sessionId"`
	Detail     string `json:"detail,omitempty"`
}

// Journal is an open audit sink. Writes are best-effort and never fail the
// operation being audited.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	db      *sql.DB
	records atomic.Int64
}

// Open creates the journal under homeDir: logs/audit.jsonl for the
// append-only stream and audit.db for queries.
func Open(homeDir string) (*Journal, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(homeDir, "audit.db"))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ts          TEXT NOT NULL,
			operation   TEXT NOT NULL,
			entity_type TEXT,
			entity_id   TEXT,
			session_id  TEXT,
			detail      TEXT
		);
	`); err != nil {
		f.Close()
		db.Close()
		return nil, fmt.Errorf("create audit_log table: %w", err)
	}
	return &Journal{file: f, db: db}, nil
}

// Record appends one entry. Errors are swallowed: auditing never blocks or
// fails the audited operation.
func (j *Journal) Record(operation, entityType, entityID, sessionID, detail string) {
	if j == nil {
		return
	}
	j.records.Add(1)
	ev := Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Operation:  operation,
		EntityType: entityType,
		EntityID:   entityID,
		SessionID:  sessionID,
		Detail:     detail,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = j.file.Write(append(b, '\n'))
		}
	}
	if j.db != nil {
		_, _ = j.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (ts, operation, entity_type, entity_id, session_id, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.Timestamp, ev.Operation, ev.EntityType, ev.EntityID, ev.SessionID, ev.Detail)
	}
}

// List returns the newest entries from the sqlite table, most recent first.
func (j *Journal) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit db not open")
	}
	rows, err := db.QueryContext(context.Background(), `
		SELECT ts, operation, entity_type, entity_id, session_id, detail
		FROM audit_log ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.Operation, &e.EntityType, &e.EntityID, &e.SessionID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of entries recorded since Open.
func (j *Journal) Count() int64 {
	if j == nil {
		return 0
	}
	return j.records.Load()
}

// Close flushes and closes both sinks.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			first = err
		}
		j.file = nil
	}
	if j.db != nil {
		if err := j.db.Close(); err != nil && first == nil {
			first = err
		}
		j.db = nil
	}
	return first
}
