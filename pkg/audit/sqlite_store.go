// Package audit — SQLite-backed durable store for the audit log.
//
// SQLiteStore provides persistent storage for audit events, suitable for
// single-node deployments that need queryable history beyond the
// append-only JSONL file the default FileStore writes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// SQLiteStore implements Store with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed audit store.
// The dbPath is the path to the SQLite database file (e.g., "/var/lib/cabinetcore/audit.db").
// Use ":memory:" for an in-memory database (testing).
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			type TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '{}',
			session_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append writes an event to the audit log.
func (s *SQLiteStore) Append(_ context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	targetJSON, _ := json.Marshal(event.Target)
	resultJSON, _ := json.Marshal(event.Result)
	metaJSON, _ := json.Marshal(event.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO events (id, ts, type, user, action, target, result, session_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Timestamp.UTC(), string(event.Type), event.User, event.Action,
		string(targetJSON), string(resultJSON), event.SessionID, string(metaJSON))

	return err
}

// Query retrieves events matching the given filters.
func (s *SQLiteStore) Query(_ context.Context, opts QueryOptions) ([]*Event, error) {
	query := "SELECT id, ts, type, user, action, target, result, session_id, metadata FROM events WHERE 1=1"
	var args []any

	if opts.User != "" {
		query += " AND user = ?"
		args = append(args, opts.User)
	}
	if opts.Type != "" {
		query += " AND type = ?"
		args = append(args, string(opts.Type))
	}
	if !opts.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, opts.Until.UTC())
	}

	query += " ORDER BY ts ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Export returns all events since the given time.
func (s *SQLiteStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var e Event
	var typeStr, targetJSON, resultJSON, metaJSON string

	err := row.Scan(&e.ID, &e.Timestamp, &typeStr, &e.User, &e.Action,
		&targetJSON, &resultJSON, &e.SessionID, &metaJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("event not found")
		}
		return nil, err
	}

	e.Type = EventType(typeStr)
	if targetJSON != "{}" && targetJSON != "" {
		var t EventTarget
		if err := json.Unmarshal([]byte(targetJSON), &t); err == nil {
			e.Target = &t
		}
	}
	if resultJSON != "{}" && resultJSON != "" {
		var r EventResult
		if err := json.Unmarshal([]byte(resultJSON), &r); err == nil {
			e.Result = &r
		}
	}
	if metaJSON != "{}" && metaJSON != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &m); err == nil {
			e.Metadata = m
		}
	}

	return &e, nil
}
