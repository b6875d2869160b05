package project

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileAndResolve(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "projects.json")
	data, _ := json.Marshal([]Project{
		{ID: "proj1", RepoPath: "/repo/proj1", TicketsPath: "/repo/proj1/tickets"},
	})
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	info, err := r.ResolveProject(context.Background(), "proj1")
	if err != nil {
		t.Fatalf("ResolveProject: %v", err)
	}
	if info.ID != "proj1" || info.RepoPath != "/repo/proj1" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestResolveUnknownProjectErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ResolveProject(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown project")
	}
}

func TestGetReturnsFullDefinition(t *testing.T) {
	r := NewRegistry()
	r.Put(Project{ID: "p1", TicketsPath: "/x/tickets", HandoffPath: "/x/handoff.md"})

	p, ok := r.Get("p1")
	if !ok || p.TicketsPath != "/x/tickets" || p.HandoffPath != "/x/handoff.md" {
		t.Fatalf("unexpected project: %+v", p)
	}
}
