// Package handoff is the Auto-Handoff Controller: when a ticket session's
// context percentage crosses the configured threshold, it migrates work to
// a fresh session with the agent's own context preserved in a file.
package handoff

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/watchloop/agentsup/internal/store"
)

// Config tunes the handoff protocol's commands, delays, and timeout.
type Config struct {
	ExportCommand    string
	ImportCommand    string
	HandoffFilePath  func(sessionID string) string
	PostExportDelay  time.Duration
	PollInterval     time.Duration
	HandoffTimeout   time.Duration
	ImportDelay      time.Duration
	PostImportDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExportCommand == "" {
		c.ExportCommand = "/export"
	}
	if c.ImportCommand == "" {
		c.ImportCommand = "/import"
	}
	if c.HandoffFilePath == nil {
		c.HandoffFilePath = func(sessionID string) string {
			return os.TempDir() + "/agentsup-handoff-" + sessionID + ".md"
		}
	}
	if c.PostExportDelay <= 0 {
		c.PostExportDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = 60 * time.Second
	}
	if c.ImportDelay <= 0 {
		c.ImportDelay = 2 * time.Second
	}
	if c.PostImportDelay <= 0 {
		c.PostImportDelay = time.Second
	}
	return c
}

// continuationPrompt is a deterministic function of the ticket's
// identifiers, sent to the new session right after the import command.
func continuationPrompt(ticketID, externalID string) string {
	if externalID != "" {
		return fmt.Sprintf("Continue working on %s. Review the imported context and resume from where the previous session left off.", externalID)
	}
	if ticketID != "" {
		return fmt.Sprintf("Continue working on ticket %s. Review the imported context and resume from where the previous session left off.", ticketID)
	}
	return "Review the imported context and resume from where the previous session left off."
}

// SessionManager is the subset of the Session Supervisor the controller
// drives: sending input into the old pane, stopping it, and creating the
// replacement ticket session.
type SessionManager interface {
	SendInput(ctx context.Context, sessionID, text string) error
	StopSession(ctx context.Context, sessionID string, force bool) error
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	StartTicketSession(ctx context.Context, projectID, ticketID, cwd, parentID string) (store.Session, error)
}

// TicketResolver supplies the ticket identifiers used to build the
// continuation prompt.
type TicketResolver interface {
	ExternalIDFor(ctx context.Context, ticketID string) (string, error)
}
