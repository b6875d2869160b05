// Package store is the repository contract described in spec.md §6: row
// level CRUD for Session, Ticket, StateHistoryEntry, Notification,
// HandoffEvent, SummaryCache and ReviewCache, backed by sqlite, plus a
// transaction primitive used by the Ticket State Machine to keep a
// transition and its history row atomic.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	ticket_id       TEXT NOT NULL DEFAULT '',
	parent_id       TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	pane_id         TEXT NOT NULL DEFAULT '',
	context_percent INTEGER NOT NULL DEFAULT 0,
	started_at      TEXT NOT NULL,
	ended_at        TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);

CREATE TABLE IF NOT EXISTS tickets (
	id                 TEXT PRIMARY KEY,
	external_id        TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	file_path          TEXT NOT NULL DEFAULT '',
	is_adhoc           INTEGER NOT NULL DEFAULT 0,
	started_at         TEXT,
	completed_at       TEXT,
	rejection_feedback TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS state_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id    TEXT NOT NULL,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	trigger      TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	feedback     TEXT NOT NULL DEFAULT '',
	triggered_by TEXT NOT NULL DEFAULT '',
	timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_ticket ON state_history(ticket_id, id);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	ticket_id  TEXT NOT NULL DEFAULT '',
	read       INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_key ON notifications(type, session_id, ticket_id, read);

CREATE TABLE IF NOT EXISTS handoff_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	from_session_id TEXT NOT NULL,
	to_session_id   TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	message         TEXT NOT NULL DEFAULT '',
	at              TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handoff_from ON handoff_events(from_session_id, id);

CREATE TABLE IF NOT EXISTS summary_cache (
	session_id TEXT PRIMARY KEY,
	summary    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS review_cache (
	session_id TEXT PRIMARY KEY,
	decision   TEXT NOT NULL,
	reasoning  TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
`

// Store is a sqlite-backed repository. The zero value is not usable;
// construct with Open.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema. path may be ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting CRUD helpers
// run either standalone or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a handle to an in-flight transaction, passed to the functions
// inside WithTx so they reuse it instead of opening their own.
type Tx struct {
	q querier
}

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise. The Ticket State Machine uses this to make a
// transition and its StateHistoryEntry atomic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(&Tx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Warn("store: rollback failed", "err", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

func (s *Store) q() querier { return s.db }
