package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := Session{
		ID: "sess1", ProjectID: "proj1", Type: SessionAdhoc, Status: SessionRunning,
		PaneID: "pane_x", StartedAt: time.Now(),
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.PaneID != "pane_x" || got.Status != SessionRunning {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := s.UpdateSessionContextPercent(ctx, "sess1", 42); err != nil {
		t.Fatalf("UpdateSessionContextPercent: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess1")
	if got.ContextPercent != 42 {
		t.Fatalf("ContextPercent = %d, want 42", got.ContextPercent)
	}

	now := time.Now()
	if err := s.UpdateSessionStatus(ctx, "sess1", SessionCompleted, &now); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	live, err := s.ListLiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListLiveSessions: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("ListLiveSessions = %v, want empty", live)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTicketTransitionWithHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTicket(ctx, Ticket{ID: "t1", State: TicketBacklog, Title: "Do the thing"}); err != nil {
		t.Fatalf("UpsertTicket: %v", err)
	}

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := s.UpdateTicketState(ctx, tx, "t1", TicketInProgress, timePtr(time.Now()), nil, ""); err != nil {
			return err
		}
		return s.AppendStateHistory(ctx, tx, StateHistoryEntry{
			TicketID: "t1", FromState: TicketBacklog, ToState: TicketInProgress,
			Trigger: "user", Timestamp: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	got, err := s.GetTicket(ctx, nil, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.State != TicketInProgress {
		t.Fatalf("State = %v, want in_progress", got.State)
	}

	hist, err := s.ListStateHistory(ctx, "t1")
	if err != nil {
		t.Fatalf("ListStateHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].ToState != TicketInProgress {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertTicket(ctx, Ticket{ID: "t1", State: TicketBacklog}); err != nil {
		t.Fatalf("UpsertTicket: %v", err)
	}

	wantErr := ErrNotFound
	err := s.WithTx(ctx, func(tx *Tx) error {
		_ = s.UpdateTicketState(ctx, tx, "t1", TicketInProgress, nil, nil, "")
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithTx err = %v, want %v", err, wantErr)
	}

	got, _ := s.GetTicket(ctx, nil, "t1")
	if got.State != TicketBacklog {
		t.Fatalf("State = %v, want backlog (rollback expected)", got.State)
	}
}

func TestUpsertNotificationCollapsesUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := Notification{ID: "n1", Type: NotificationWaitingInput, Message: "first", SessionID: "s1", CreatedAt: time.Now()}
	if err := s.UpsertNotification(ctx, n); err != nil {
		t.Fatalf("UpsertNotification: %v", err)
	}
	n2 := Notification{ID: "n2", Type: NotificationWaitingInput, Message: "second", SessionID: "s1", CreatedAt: time.Now()}
	if err := s.UpsertNotification(ctx, n2); err != nil {
		t.Fatalf("UpsertNotification: %v", err)
	}

	unread, err := s.ListUnreadNotifications(ctx)
	if err != nil {
		t.Fatalf("ListUnreadNotifications: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("len(unread) = %d, want 1 (upsert should collapse)", len(unread))
	}
	if unread[0].Message != "second" {
		t.Fatalf("Message = %q, want %q", unread[0].Message, "second")
	}
}

func TestUpsertNotificationAllowsSecondAfterRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertNotification(ctx, Notification{ID: "n1", Type: NotificationContextLow, SessionID: "s1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertNotification: %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "n1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	if err := s.UpsertNotification(ctx, Notification{ID: "n2", Type: NotificationContextLow, SessionID: "s1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertNotification: %v", err)
	}

	unread, _ := s.ListUnreadNotifications(ctx)
	if len(unread) != 1 || unread[0].ID != "n2" {
		t.Fatalf("unexpected unread: %+v", unread)
	}
}

func TestSummaryAndReviewCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSummaryCache(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.PutSummaryCache(ctx, SummaryCache{SessionID: "s1", Summary: "did things", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("PutSummaryCache: %v", err)
	}
	got, err := s.GetSummaryCache(ctx, "s1")
	if err != nil || got.Summary != "did things" {
		t.Fatalf("GetSummaryCache = %+v, %v", got, err)
	}

	if err := s.PutReviewCache(ctx, ReviewCache{SessionID: "s1", Decision: "complete"}); err != nil {
		t.Fatalf("PutReviewCache: %v", err)
	}
	rc, err := s.GetReviewCache(ctx, "s1")
	if err != nil || rc.Decision != "complete" {
		t.Fatalf("GetReviewCache = %+v, %v", rc, err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
