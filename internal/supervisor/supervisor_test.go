package supervisor

import (
	"context"
	"sync"
	"testing"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/mux"
	"github.com/watchloop/agentsup/internal/store"
)

type fakeAdapter struct {
	mu    sync.Mutex
	alive map[string]bool
	next  int
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{alive: make(map[string]bool)} }

func (f *fakeAdapter) CreatePane(sessionID string, opts mux.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := mux.PaneIDPrefix + sessionID
	f.alive[id] = true
	return id, nil
}
func (f *fakeAdapter) KillPane(paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[paneID] = false
	return nil
}
func (f *fakeAdapter) SendInterrupt(paneID string) error  { return nil }
func (f *fakeAdapter) SendText(paneID, text string) error { return nil }
func (f *fakeAdapter) SendRawKeys(paneID string, data []byte) error { return nil }
func (f *fakeAdapter) CapturePane(paneID string, opts mux.CaptureOptions) (string, error) {
	return "line1\nline2", nil
}
func (f *fakeAdapter) IsPaneAlive(paneID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[paneID]
}
func (f *fakeAdapter) SetPaneTitle(paneID, title string) error { return nil }

type fakeProjects struct{}

func (fakeProjects) ResolveProject(ctx context.Context, id string) (ProjectInfo, error) {
	if id == "missing" {
		return ProjectInfo{}, ErrProjectNotFound
	}
	return ProjectInfo{ID: id, RepoPath: "/tmp/repo"}, nil
}

type fakeTickets struct{}

func (fakeTickets) ResolveTicket(ctx context.Context, id string) (TicketInfo, error) {
	if id == "missing" {
		return TicketInfo{}, ErrTicketNotFound
	}
	return TicketInfo{ID: id, ExternalID: "TKT-1", FilePath: "/tmp/repo/tickets/1.md"}, nil
}

type fakeWaiting struct {
	mu          sync.Mutex
	registered  map[string]bool
}

func newFakeWaiting() *fakeWaiting { return &fakeWaiting{registered: make(map[string]bool)} }
func (w *fakeWaiting) Register(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registered[id] = true
}
func (w *fakeWaiting) Unregister(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.registered, id)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeAdapter, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	adapter := newFakeAdapter()
	sv := New(adapter, st, eventbus.New(), newFakeWaiting(), fakeProjects{}, fakeTickets{}, nil, Options{})
	return sv, adapter, st
}

func TestStartSessionCreatesRunningRow(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	row, err := sv.StartSession(context.Background(), StartSessionParams{ProjectID: "proj1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if row.Status != store.SessionRunning {
		t.Fatalf("Status = %v, want running", row.Status)
	}
	if row.PaneID == "" {
		t.Fatal("expected non-empty pane id")
	}
}

func TestStartSessionUnknownProject(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	if _, err := sv.StartSession(context.Background(), StartSessionParams{ProjectID: "missing"}); err != ErrProjectNotFound {
		t.Fatalf("err = %v, want ErrProjectNotFound", err)
	}
}

func TestStartTicketSessionUnknownTicket(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	_, err := sv.StartTicketSession(context.Background(), StartTicketSessionParams{ProjectID: "proj1", TicketID: "missing"})
	if err != ErrTicketNotFound {
		t.Fatalf("err = %v, want ErrTicketNotFound", err)
	}
}

func TestStopSessionForceKillsPane(t *testing.T) {
	sv, adapter, _ := newTestSupervisor(t)
	row, err := sv.StartSession(context.Background(), StartSessionParams{ProjectID: "proj1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := sv.StopSession(context.Background(), row.ID, true); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if adapter.IsPaneAlive(row.PaneID) {
		t.Fatal("expected pane to be killed")
	}
	got, err := sv.GetSession(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.SessionCompleted {
		t.Fatalf("Status = %v, want completed", got.Status)
	}
}

func TestSendInputRejectsNotRunning(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	row, _ := sv.StartSession(context.Background(), StartSessionParams{ProjectID: "proj1"})
	_ = sv.StopSession(context.Background(), row.ID, true)
	if err := sv.SendInput(context.Background(), row.ID, "hi"); err != ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestSendInputRejectsExternalPaneID(t *testing.T) {
	sv, _, st := newTestSupervisor(t)
	row, _ := sv.StartSession(context.Background(), StartSessionParams{ProjectID: "proj1"})
	if err := st.UpdateSessionPane(context.Background(), row.ID, "externally-supplied-id"); err != nil {
		t.Fatalf("UpdateSessionPane: %v", err)
	}
	sv.mu.Lock()
	sv.sessions[row.ID].paneID = "externally-supplied-id"
	sv.mu.Unlock()
	if err := sv.SendInput(context.Background(), row.ID, "hi"); err == nil {
		t.Fatal("expected InputFailed for placeholder pane id")
	}
}

func TestLivenessTickCompletesDeadSession(t *testing.T) {
	sv, adapter, _ := newTestSupervisor(t)
	row, _ := sv.StartSession(context.Background(), StartSessionParams{ProjectID: "proj1"})
	adapter.mu.Lock()
	adapter.alive[row.PaneID] = false
	adapter.mu.Unlock()

	sv.livenessTick(context.Background())

	got, err := sv.GetSession(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.SessionCompleted {
		t.Fatalf("Status = %v, want completed", got.Status)
	}
}

func TestGetSessionOutputRequiresInMemory(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	if _, err := sv.GetSessionOutput("nope", 10); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
