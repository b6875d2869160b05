// Package project is the markdown ticket discovery collaborator
// (spec.md §1, §3, §6): it resolves Projects by id and scans a project's
// ticketsPath for ticket markdown files.
package project

import (
	"context"

	"github.com/watchloop/agentsup/internal/supervisor"
)

// Project is the external entity the core reads repoPath/tmuxSession/
// tmuxWindow/ticketsPath/handoffPath from (spec.md §3).
type Project struct {
	ID          string `json:"id"`
	RepoPath    string `json:"repoPath"`
	TmuxSession string `json:"tmuxSession"`
	TmuxWindow  string `json:"tmuxWindow"`
	TicketsPath string `json:"ticketsPath"`
	HandoffPath string `json:"handoffPath"`
}

// Resolver is implemented by Registry; it is supervisor.ProjectResolver's
// shape, named here too so callers in this package don't need to import
// supervisor just to spell the interface.
type Resolver interface {
	ResolveProject(ctx context.Context, projectID string) (supervisor.ProjectInfo, error)
}
