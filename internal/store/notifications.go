package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertNotification enforces the invariant that at most one unread
// notification of a given type exists per (sessionId or ticketId) key: if
// an unread notification with the same type and key already exists, its
// message and timestamp are updated in place instead of inserting a
// duplicate.
func (s *Store) UpsertNotification(ctx context.Context, n Notification) error {
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM notifications WHERE type = ? AND session_id = ? AND ticket_id = ? AND read = 0`,
		n.Type, n.SessionID, n.TicketID).Scan(&existingID)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx, `UPDATE notifications SET message = ?, created_at = ? WHERE id = ?`,
			n.Message, n.CreatedAt.UTC().Format(time.RFC3339Nano), existingID)
		if err != nil {
			return fmt.Errorf("store: update notification: %w", err)
		}
		return nil
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO notifications (id, type, message, session_id, ticket_id, read, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
			n.ID, n.Type, n.Message, n.SessionID, n.TicketID, n.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: insert notification: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("store: upsert notification lookup: %w", err)
	}
}

// MarkNotificationRead flips a notification to read.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE notifications SET read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: mark notification read: %w", err)
	}
	return nil
}

// ListUnreadNotifications returns every unread notification, newest first.
func (s *Store) ListUnreadNotifications(ctx context.Context) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, message, session_id, ticket_id, read, created_at FROM notifications WHERE read = 0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list unread notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		var read int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &n.SessionID, &n.TicketID, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("store: list unread notifications scan: %w", err)
		}
		n.Read = read != 0
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}
