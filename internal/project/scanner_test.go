package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/watchloop/agentsup/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScanDiscoversTicketsWithFrontMatter(t *testing.T) {
	repo := t.TempDir()
	ticketsDir := filepath.Join(repo, "tickets")
	if err := os.MkdirAll(ticketsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\nid: tk_001\nexternalId: JIRA-42\ntitle: Fix the thing\n---\n\nBody text.\n"
	if err := os.WriteFile(filepath.Join(ticketsDir, "fix-the-thing.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	st := newTestStore(t)
	scanner := NewScanner(st, nil)
	p := Project{ID: "proj1", RepoPath: repo, TicketsPath: ticketsDir}

	n, err := scanner.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 ticket discovered, got %d", n)
	}

	ticket, err := st.GetTicket(context.Background(), nil, "tk_001")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.ExternalID != "JIRA-42" || ticket.Title != "Fix the thing" || ticket.State != store.TicketBacklog {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
}

func TestScanFallsBackToHeadingWhenNoTitleFrontMatter(t *testing.T) {
	repo := t.TempDir()
	ticketsDir := filepath.Join(repo, "tickets")
	if err := os.MkdirAll(ticketsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\nid: tk_002\n---\n\n# Add retry logic\n\nDetails.\n"
	if err := os.WriteFile(filepath.Join(ticketsDir, "retry.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	st := newTestStore(t)
	scanner := NewScanner(st, nil)
	p := Project{ID: "proj1", RepoPath: repo, TicketsPath: ticketsDir}

	if _, err := scanner.Scan(context.Background(), p); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	ticket, err := st.GetTicket(context.Background(), nil, "tk_002")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.Title != "Add retry logic" {
		t.Fatalf("expected heading fallback title, got %q", ticket.Title)
	}
}

func TestScanRescanDoesNotClobberState(t *testing.T) {
	repo := t.TempDir()
	ticketsDir := filepath.Join(repo, "tickets")
	if err := os.MkdirAll(ticketsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(ticketsDir, "a.md")
	if err := os.WriteFile(path, []byte("---\nid: tk_a\ntitle: A\n---\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	st := newTestStore(t)
	scanner := NewScanner(st, nil)
	p := Project{ID: "proj1", RepoPath: repo, TicketsPath: ticketsDir}

	if _, err := scanner.Scan(context.Background(), p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		return st.UpdateTicketState(context.Background(), tx, "tk_a", store.TicketInProgress, nil, nil, "")
	})
	if err != nil {
		t.Fatalf("UpdateTicketState: %v", err)
	}

	if _, err := scanner.Scan(context.Background(), p); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	ticket, err := st.GetTicket(context.Background(), nil, "tk_a")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.State != store.TicketInProgress {
		t.Fatalf("expected rescan to preserve live state, got %q", ticket.State)
	}
}

func TestScanRejectsTicketsPathEscapingRepo(t *testing.T) {
	repo := t.TempDir()
	outside := t.TempDir()

	st := newTestStore(t)
	scanner := NewScanner(st, nil)
	p := Project{ID: "proj1", RepoPath: repo, TicketsPath: outside}

	if _, err := scanner.Scan(context.Background(), p); err == nil {
		t.Fatal("expected error for ticketsPath outside repoPath")
	}
}
