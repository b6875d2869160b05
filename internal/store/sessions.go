package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var endedAt sql.NullString
	var startedAt string
	if err := row.Scan(&s.ID, &s.ProjectID, &s.TicketID, &s.ParentID, &s.Type, &s.Status, &s.PaneID, &s.ContextPercent, &startedAt, &endedAt); err != nil {
		return Session{}, err
	}
	s.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err == nil {
			s.EndedAt = &t
		}
	}
	return s, nil
}

const sessionColumns = "id, project_id, ticket_id, parent_id, type, status, pane_id, context_percent, started_at, ended_at"

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, ticket_id, parent_id, type, status, pane_id, context_percent, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.TicketID, sess.ParentID, sess.Type, sess.Status, sess.PaneID, sess.ContextPercent,
		sess.StartedAt.UTC().Format(time.RFC3339Nano), nullableTime(sess.EndedAt))
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession returns the session row with id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus transitions a session's status, setting endedAt when
// leaving the live states.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, endedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?",
		status, nullableTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("store: update session status: %w", err)
	}
	return nil
}

// UpdateSessionContextPercent persists the Context Monitor's latest
// contextPercent reading. Best-effort by contract: callers log failures
// rather than treating them as fatal.
func (s *Store) UpdateSessionContextPercent(ctx context.Context, id string, pct int) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET context_percent = ? WHERE id = ?", pct, id)
	if err != nil {
		return fmt.Errorf("store: update context percent: %w", err)
	}
	return nil
}

// UpdateSessionPane rebinds a session to a new pane id, used when an
// auto-handoff spawns a replacement session.
func (s *Store) UpdateSessionPane(ctx context.Context, id, paneID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET pane_id = ? WHERE id = ?", paneID, id)
	if err != nil {
		return fmt.Errorf("store: update session pane: %w", err)
	}
	return nil
}

// ListSessions returns sessions for projectID (or all projects if empty),
// most recent first, capped at 100.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]Session, error) {
	var rows *sql.Rows
	var err error
	if projectID == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC LIMIT 100")
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE project_id = ? ORDER BY started_at DESC LIMIT 100", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list sessions scan: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListLiveSessions returns every session whose status is running or
// paused, used at boot for recovery.
func (s *Store) ListLiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE status IN (?, ?)",
		SessionRunning, SessionPaused)
	if err != nil {
		return nil, fmt.Errorf("store: list live sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list live sessions scan: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
