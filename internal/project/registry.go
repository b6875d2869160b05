package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/watchloop/agentsup/internal/supervisor"
)

// Registry holds the set of configured projects, loaded once at boot from
// a JSON config file. Projects are an external entity (spec.md §3); this
// is the concrete implementation the distilled spec leaves unspecified.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]Project
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{projects: make(map[string]Project)}
}

// LoadFile reads a JSON array of Project definitions from path and
// replaces the Registry's contents.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("project: read config: %w", err)
	}
	var list []Project
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("project: parse config: %w", err)
	}
	r := NewRegistry()
	for _, p := range list {
		r.Put(p)
	}
	return r, nil
}

// Put registers or replaces a project definition.
func (r *Registry) Put(p Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = p
}

// Get returns the full Project definition, including ticketsPath and
// handoffPath, for callers outside the supervisor's narrow contract (the
// ticket Scanner, the handoff file-path builder).
func (r *Registry) Get(id string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	return p, ok
}

// All returns every registered project.
func (r *Registry) All() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	return out
}

// ResolveProject implements supervisor.ProjectResolver.
func (r *Registry) ResolveProject(ctx context.Context, projectID string) (supervisor.ProjectInfo, error) {
	p, ok := r.Get(projectID)
	if !ok {
		return supervisor.ProjectInfo{}, fmt.Errorf("project: unknown project %q", projectID)
	}
	return supervisor.ProjectInfo{ID: p.ID, RepoPath: p.RepoPath}, nil
}
