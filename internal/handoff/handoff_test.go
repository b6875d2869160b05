package handoff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/store"
)

type fakeSessionManager struct {
	sessions map[string]store.Session
	sendErr  map[string]error
	stopErr  error
	nextID   string

	sendCalls    []string
	lastParentID string
}

func (f *fakeSessionManager) SendInput(ctx context.Context, sessionID, text string) error {
	f.sendCalls = append(f.sendCalls, sessionID+":"+text)
	if err, ok := f.sendErr[sessionID]; ok {
		return err
	}
	return nil
}

func (f *fakeSessionManager) StopSession(ctx context.Context, sessionID string, force bool) error {
	return f.stopErr
}

func (f *fakeSessionManager) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionManager) StartTicketSession(ctx context.Context, projectID, ticketID, cwd, parentID string) (store.Session, error) {
	f.lastParentID = parentID
	return store.Session{ID: f.nextID, ProjectID: projectID, TicketID: ticketID, ParentID: parentID, Type: store.SessionTicket, Status: store.SessionRunning}, nil
}

type fakeTicketResolver struct{ externalID string }

func (f fakeTicketResolver) ExternalIDFor(ctx context.Context, ticketID string) (string, error) {
	return f.externalID, nil
}

func newTestController(t *testing.T, sm *fakeSessionManager, handoffDir string) (*Controller, *store.Store, *eventbus.Bus) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	bus := eventbus.New()

	cfg := Config{
		PostExportDelay: time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		HandoffTimeout:  200 * time.Millisecond,
		ImportDelay:     time.Millisecond,
		PostImportDelay: time.Millisecond,
		HandoffFilePath: func(sessionID string) string {
			return filepath.Join(handoffDir, sessionID+".md")
		},
	}
	c := New(cfg, sm, fakeTicketResolver{externalID: "TICK-1"}, st, bus, nil)
	return c, st, bus
}

func TestHandoffRejectsIneligibleSession(t *testing.T) {
	sm := &fakeSessionManager{sessions: map[string]store.Session{
		"s1": {ID: "s1", Type: store.SessionAdhoc, Status: store.SessionRunning},
	}}
	c, _, _ := newTestController(t, sm, t.TempDir())

	if err := c.Start(context.Background(), "s1"); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestHandoffSucceedsWhenFileWritten(t *testing.T) {
	dir := t.TempDir()
	sm := &fakeSessionManager{
		sessions: map[string]store.Session{
			"old1": {ID: "old1", ProjectID: "p1", TicketID: "t1", Type: store.SessionTicket, Status: store.SessionRunning, ContextPercent: 92},
		},
		nextID: "new1",
	}
	c, st, bus := newTestController(t, sm, dir)
	sub := bus.Subscribe(eventbus.KindHandoffCompleted)

	go func() {
		time.Sleep(10 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, "old1.md"), []byte("context"), 0o644)
	}()

	if err := c.Start(context.Background(), "old1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-sub:
		p := ev.Payload.(eventbus.HandoffCompleted)
		if p.FromSessionID != "old1" || p.ToSessionID != "new1" {
			t.Fatalf("unexpected payload: %+v", p)
		}
	default:
		t.Fatal("expected handoff:completed")
	}

	events, err := st.ListHandoffEvents(context.Background(), "old1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ToSessionID != "new1" {
		t.Fatalf("unexpected handoff events: %+v", events)
	}

	notes, err := st.ListUnreadNotifications(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Type != store.NotificationHandoffComplete {
		t.Fatalf("unexpected notifications: %+v", notes)
	}

	found := false
	for _, call := range sm.sendCalls {
		if call == "new1:/import" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected import command sent to new session, calls=%v", sm.sendCalls)
	}

	if sm.lastParentID != "old1" {
		t.Fatalf("expected replacement session parentID=old1, got %q", sm.lastParentID)
	}
}

func TestHandoffTimesOutPreservingSession(t *testing.T) {
	dir := t.TempDir()
	sm := &fakeSessionManager{
		sessions: map[string]store.Session{
			"old1": {ID: "old1", ProjectID: "p1", TicketID: "t1", Type: store.SessionTicket, Status: store.SessionRunning},
		},
	}
	c, _, bus := newTestController(t, sm, dir)
	sub := bus.Subscribe(eventbus.KindHandoffFailed)

	err := c.Start(context.Background(), "old1")
	if !errors.Is(err, ErrHandoffTimeout) {
		t.Fatalf("expected ErrHandoffTimeout, got %v", err)
	}

	select {
	case ev := <-sub:
		p := ev.Payload.(eventbus.HandoffFailed)
		if !p.SessionPreserved {
			t.Fatalf("expected SessionPreserved=true, got %+v", p)
		}
	default:
		t.Fatal("expected handoff:failed")
	}
}

func TestConcurrentHandoffRejected(t *testing.T) {
	dir := t.TempDir()
	sm := &fakeSessionManager{
		sessions: map[string]store.Session{
			"old1": {ID: "old1", ProjectID: "p1", TicketID: "t1", Type: store.SessionTicket, Status: store.SessionRunning},
		},
		nextID: "new1",
	}
	c, _, _ := newTestController(t, sm, dir)

	go func() {
		time.Sleep(5 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, "old1.md"), []byte("context"), 0o644)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background(), "old1") }()
	time.Sleep(2 * time.Millisecond)

	if err := c.Start(context.Background(), "old1"); !errors.Is(err, ErrHandoffInProgress) {
		t.Fatalf("expected ErrHandoffInProgress, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("first handoff failed: %v", err)
	}
}
