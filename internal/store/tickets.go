package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const ticketColumns = "id, external_id, title, state, file_path, is_adhoc, started_at, completed_at, rejection_feedback"

func scanTicket(row interface{ Scan(...any) error }) (Ticket, error) {
	var t Ticket
	var isAdhoc int
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&t.ID, &t.ExternalID, &t.Title, &t.State, &t.FilePath, &isAdhoc, &startedAt, &completedAt, &t.RejectionFeedback); err != nil {
		return Ticket{}, err
	}
	t.IsAdhoc = isAdhoc != 0
	if startedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			t.StartedAt = &parsed
		}
	}
	if completedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			t.CompletedAt = &parsed
		}
	}
	return t, nil
}

// GetTicket returns the ticket row with id, or ErrNotFound. tx may be nil
// to run outside a transaction.
func (s *Store) GetTicket(ctx context.Context, tx *Tx, id string) (Ticket, error) {
	q := s.q()
	if tx != nil {
		q = tx.q
	}
	row := q.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return Ticket{}, ErrNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("store: get ticket: %w", err)
	}
	return t, nil
}

// UpsertTicket inserts a ticket row (used when the project's markdown
// ticket files are rescanned). When the id already exists only
// external_id, title, file_path and is_adhoc are updated; state,
// started_at, completed_at and rejection_feedback are left as they are.
func (s *Store) UpsertTicket(ctx context.Context, t Ticket) error {
	isAdhoc := 0
	if t.IsAdhoc {
		isAdhoc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, external_id, title, state, file_path, is_adhoc, started_at, completed_at, rejection_feedback)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET external_id=excluded.external_id, title=excluded.title, file_path=excluded.file_path, is_adhoc=excluded.is_adhoc`,
		t.ID, t.ExternalID, t.Title, t.State, t.FilePath, isAdhoc, nullableTime(t.StartedAt), nullableTime(t.CompletedAt), t.RejectionFeedback)
	if err != nil {
		return fmt.Errorf("store: upsert ticket: %w", err)
	}
	return nil
}

// UpdateTicketState applies a validated transition within tx.
func (s *Store) UpdateTicketState(ctx context.Context, tx *Tx, id string, newState TicketState, startedAt, completedAt *time.Time, rejectionFeedback string) error {
	_, err := tx.q.ExecContext(ctx,
		`UPDATE tickets SET state = ?, started_at = COALESCE(?, started_at), completed_at = ?, rejection_feedback = ? WHERE id = ?`,
		newState, nullableTime(startedAt), nullableTime(completedAt), rejectionFeedback, id)
	if err != nil {
		return fmt.Errorf("store: update ticket state: %w", err)
	}
	return nil
}

// ListTickets returns every known ticket.
func (s *Store) ListTickets(ctx context.Context) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+ticketColumns+" FROM tickets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	defer rows.Close()
	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list tickets scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendStateHistory records one transition row within tx.
func (s *Store) AppendStateHistory(ctx context.Context, tx *Tx, e StateHistoryEntry) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO state_history (ticket_id, from_state, to_state, trigger, reason, feedback, triggered_by, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TicketID, e.FromState, e.ToState, e.Trigger, e.Reason, e.Feedback, e.TriggeredBy, e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: append state history: %w", err)
	}
	return nil
}

// ListStateHistory returns a ticket's transition log in order.
func (s *Store) ListStateHistory(ctx context.Context, ticketID string) ([]StateHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, from_state, to_state, trigger, reason, feedback, triggered_by, timestamp
		 FROM state_history WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("store: list state history: %w", err)
	}
	defer rows.Close()
	var out []StateHistoryEntry
	for rows.Next() {
		var e StateHistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.TicketID, &e.FromState, &e.ToState, &e.Trigger, &e.Reason, &e.Feedback, &e.TriggeredBy, &ts); err != nil {
			return nil, fmt.Errorf("store: list state history scan: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
