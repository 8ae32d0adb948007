package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/tracker"
)

// SQLite stores one row per tracker event, keyed by sender id. Saving a
// tracker appends only the rows not yet written, so the table is a true
// append-only log of the conversation.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// NewSQLite creates or opens the event database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.dbPath
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracker_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id TEXT NOT NULL,
		type_name TEXT NOT NULL,
		timestamp REAL NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tracker_events_sender ON tracker_events(sender_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) GetOrCreate(ctx context.Context, senderID string, d *domain.Domain) (*tracker.Tracker, error) {
	tr, err := s.Retrieve(ctx, senderID, d)
	if err != nil || tr != nil {
		return tr, err
	}
	return tracker.New(senderID, d.InitialSlotValues()), nil
}

func (s *SQLite) Retrieve(ctx context.Context, senderID string, d *domain.Domain) (*tracker.Tracker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM tracker_events WHERE sender_id = ? ORDER BY id`, senderID)
	if err != nil {
		return nil, fmt.Errorf("query events for %q: %w", senderID, err)
	}
	defer rows.Close()

	var stream []events.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev, err := events.Unmarshal([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode stored event for %q: %w", senderID, err)
		}
		stream = append(stream, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events for %q: %w", senderID, err)
	}
	if len(stream) == 0 {
		return nil, nil
	}

	tr := tracker.New(senderID, d.InitialSlotValues())
	for _, ev := range stream {
		tr.Update(ev)
	}
	return tr, nil
}

func (s *SQLite) Save(ctx context.Context, tr *tracker.Tracker) error {
	var stored int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracker_events WHERE sender_id = ?`, tr.SenderID()).Scan(&stored)
	if err != nil {
		return fmt.Errorf("count events for %q: %w", tr.SenderID(), err)
	}

	all := tr.Events()
	if stored >= len(all) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save for %q: %w", tr.SenderID(), err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tracker_events (sender_id, type_name, timestamp, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range all[stored:] {
		data, err := events.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event for %q: %w", tr.SenderID(), err)
		}
		if _, err := stmt.ExecContext(ctx, tr.SenderID(), ev.TypeName(), ev.EventTimestamp(), string(data)); err != nil {
			return fmt.Errorf("insert event for %q: %w", tr.SenderID(), err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT sender_id FROM tracker_events ORDER BY sender_id`)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sender id: %w", err)
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}
