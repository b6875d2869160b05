package store

import (
	"context"
	"fmt"
	"time"
)

// InsertHandoffEvent records one step of an auto-handoff run.
func (s *Store) InsertHandoffEvent(ctx context.Context, e HandoffEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handoff_events (from_session_id, to_session_id, state, message, at) VALUES (?, ?, ?, ?, ?)`,
		e.FromSessionID, e.ToSessionID, e.State, e.Message, e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert handoff event: %w", err)
	}
	return nil
}

// ListHandoffEvents returns a session's handoff history in order.
func (s *Store) ListHandoffEvents(ctx context.Context, fromSessionID string) ([]HandoffEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_session_id, to_session_id, state, message, at FROM handoff_events WHERE from_session_id = ? ORDER BY id`,
		fromSessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list handoff events: %w", err)
	}
	defer rows.Close()
	var out []HandoffEvent
	for rows.Next() {
		var e HandoffEvent
		var at string
		if err := rows.Scan(&e.ID, &e.FromSessionID, &e.ToSessionID, &e.State, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("store: list handoff events scan: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
