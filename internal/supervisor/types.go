package supervisor

import (
	"context"

	"github.com/watchloop/agentsup/internal/mux"
)

// PaneAdapter is the subset of the Terminal Multiplexer Adapter the
// supervisor drives. *mux.Adapter satisfies it; tests substitute a fake.
type PaneAdapter interface {
	CreatePane(sessionID string, opts mux.CreateOptions) (string, error)
	KillPane(paneID string) error
	SendInterrupt(paneID string) error
	SendText(paneID, text string) error
	SendRawKeys(paneID string, data []byte) error
	CapturePane(paneID string, opts mux.CaptureOptions) (string, error)
	IsPaneAlive(paneID string) bool
	SetPaneTitle(paneID, title string) error
}

// ProjectInfo is the subset of a Project the supervisor needs to start a
// session: its id and the repository path the agent runs in.
type ProjectInfo struct {
	ID       string
	RepoPath string
}

// ProjectResolver looks up a project by id. The core treats projects as an
// external entity (spec.md §3); the concrete implementation lives outside
// this package.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, projectID string) (ProjectInfo, error)
}

// TicketInfo is the subset of a Ticket needed to construct an agent's
// command line.
type TicketInfo struct {
	ID         string
	ExternalID string
	Title      string
	FilePath   string
	IsAdhoc    bool
}

// TicketResolver looks up a ticket by id.
type TicketResolver interface {
	ResolveTicket(ctx context.Context, ticketID string) (TicketInfo, error)
}

// WaitingRegistrar is the subset of the Waiting Detector the supervisor
// drives directly: every session it starts must be registered, every
// session it removes from the registry must be unregistered.
type WaitingRegistrar interface {
	Register(sessionID string)
	Unregister(sessionID string)
}
