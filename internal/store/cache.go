package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PutSummaryCache upserts the last generated summary for a session.
func (s *Store) PutSummaryCache(ctx context.Context, c SummaryCache) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summary_cache (session_id, summary, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		c.SessionID, c.Summary, c.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: put summary cache: %w", err)
	}
	return nil
}

// GetSummaryCache returns the cached summary for sessionID, or ErrNotFound.
func (s *Store) GetSummaryCache(ctx context.Context, sessionID string) (SummaryCache, error) {
	var c SummaryCache
	var updatedAt string
	err := s.db.QueryRowContext(ctx, "SELECT session_id, summary, updated_at FROM summary_cache WHERE session_id = ?", sessionID).
		Scan(&c.SessionID, &c.Summary, &updatedAt)
	if err == sql.ErrNoRows {
		return SummaryCache{}, ErrNotFound
	}
	if err != nil {
		return SummaryCache{}, fmt.Errorf("store: get summary cache: %w", err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

// PutReviewCache upserts the last reviewer decision for a session.
func (s *Store) PutReviewCache(ctx context.Context, c ReviewCache) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_cache (session_id, decision, reasoning, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET decision = excluded.decision, reasoning = excluded.reasoning, updated_at = excluded.updated_at`,
		c.SessionID, c.Decision, c.Reasoning, c.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: put review cache: %w", err)
	}
	return nil
}

// GetReviewCache returns the cached reviewer decision for sessionID, or
// ErrNotFound.
func (s *Store) GetReviewCache(ctx context.Context, sessionID string) (ReviewCache, error) {
	var c ReviewCache
	var updatedAt string
	err := s.db.QueryRowContext(ctx, "SELECT session_id, decision, reasoning, updated_at FROM review_cache WHERE session_id = ?", sessionID).
		Scan(&c.SessionID, &c.Decision, &c.Reasoning, &updatedAt)
	if err == sql.ErrNoRows {
		return ReviewCache{}, ErrNotFound
	}
	if err != nil {
		return ReviewCache{}, fmt.Errorf("store: get review cache: %w", err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}
