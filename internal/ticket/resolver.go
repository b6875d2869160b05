package ticket

import (
	"context"
	"fmt"
	"os"

	"github.com/watchloop/agentsup/internal/store"
	"github.com/watchloop/agentsup/internal/supervisor"
)

// TicketInfo is the subset of a ticket row the Session Supervisor needs to
// construct an agent's command line.
type TicketInfo = supervisor.TicketInfo

// Resolver adapts the store-backed ticket rows to the supervisor's
// TicketResolver collaborator interface.
type Resolver struct {
	store *store.Store
}

// NewResolver constructs a Resolver over st.
func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// ResolveTicket implements supervisor.TicketResolver.
func (r *Resolver) ResolveTicket(ctx context.Context, ticketID string) (TicketInfo, error) {
	t, err := r.store.GetTicket(ctx, nil, ticketID)
	if err != nil {
		return TicketInfo{}, fmt.Errorf("ticket: resolve: %w", err)
	}
	return TicketInfo{ID: t.ID, ExternalID: t.ExternalID, Title: t.Title, FilePath: t.FilePath, IsAdhoc: t.IsAdhoc}, nil
}

// ExternalIDFor implements handoff.TicketResolver.
func (r *Resolver) ExternalIDFor(ctx context.Context, ticketID string) (string, error) {
	t, err := r.store.GetTicket(ctx, nil, ticketID)
	if err != nil {
		return "", fmt.Errorf("ticket: resolve: %w", err)
	}
	return t.ExternalID, nil
}

// ReadTicketFile implements reviewer.TicketFileReader.
func (r *Resolver) ReadTicketFile(ctx context.Context, ticketID string) (string, error) {
	t, err := r.store.GetTicket(ctx, nil, ticketID)
	if err != nil {
		return "", fmt.Errorf("ticket: resolve: %w", err)
	}
	if t.FilePath == "" {
		return "", fmt.Errorf("ticket: %s has no backing file", ticketID)
	}
	data, err := os.ReadFile(t.FilePath)
	if err != nil {
		return "", fmt.Errorf("ticket: read file: %w", err)
	}
	return string(data), nil
}
