package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/mux"
	"github.com/watchloop/agentsup/internal/store"
)

// StartSessionParams configures StartSession.
type StartSessionParams struct {
	ProjectID     string
	Cwd           string
	InitialPrompt string
}

// StartTicketSessionParams configures StartTicketSession.
type StartTicketSessionParams struct {
	ProjectID     string
	TicketID      string
	Cwd           string
	InitialPrompt string
	// ParentID, if set, is the session this one replaces (a handoff).
	ParentID string
}

// StartSession starts an unstructured session against projectID.
func (sv *Supervisor) StartSession(ctx context.Context, p StartSessionParams) (store.Session, error) {
	proj, err := sv.projects.ResolveProject(ctx, p.ProjectID)
	if err != nil {
		return store.Session{}, ErrProjectNotFound
	}
	cwd := p.Cwd
	if cwd == "" {
		cwd = proj.RepoPath
	}
	id := newSessionID()
	title := fmt.Sprintf("adhoc:%s", id[:8])
	command := adhocCommand(p.InitialPrompt)
	return sv.createSession(ctx, id, proj.ID, "", "", cwd, command, title, store.SessionAdhoc)
}

// StartTicketSession starts a session driven by an existing ticket.
func (sv *Supervisor) StartTicketSession(ctx context.Context, p StartTicketSessionParams) (store.Session, error) {
	proj, err := sv.projects.ResolveProject(ctx, p.ProjectID)
	if err != nil {
		return store.Session{}, ErrProjectNotFound
	}
	ticket, err := sv.tickets.ResolveTicket(ctx, p.TicketID)
	if err != nil {
		return store.Session{}, ErrTicketNotFound
	}
	cwd := p.Cwd
	if cwd == "" {
		cwd = proj.RepoPath
	}
	id := newSessionID()
	title := ticket.ExternalID
	if title == "" {
		title = fmt.Sprintf("adhoc:%s", id[:8])
	}
	var command string
	if ticket.IsAdhoc {
		command = adhocTicketCommand(ticket, p.InitialPrompt)
	} else {
		command = ticketCommand(ticket, p.InitialPrompt)
	}
	return sv.createSession(ctx, id, proj.ID, ticket.ID, p.ParentID, cwd, command, title, store.SessionTicket)
}

func adhocCommand(prompt string) string {
	if prompt == "" {
		return "claude"
	}
	return "claude " + shellQuote(prompt)
}

// adhocTicketCommand instructs the agent to read the ticket file, explore,
// summarize, and wait for confirmation before editing anything.
func adhocTicketCommand(t TicketInfo, prompt string) string {
	instruction := fmt.Sprintf(
		"Read the ticket at %s, explore the codebase, and summarize your findings. "+
			"Wait for explicit confirmation before editing anything. %s",
		t.FilePath, completionSentinel)
	if prompt != "" {
		instruction = prompt + " " + instruction
	}
	return "claude " + shellQuote(instruction)
}

// ticketCommand instructs the agent to read and implement the ticket.
func ticketCommand(t TicketInfo, prompt string) string {
	instruction := fmt.Sprintf(
		"Read the ticket at %s and implement it. %s",
		t.FilePath, completionSentinel)
	if prompt != "" {
		instruction = prompt + " " + instruction
	}
	return "claude " + shellQuote(instruction)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (sv *Supervisor) createSession(ctx context.Context, id, projectID, ticketID, parentID, cwd, command, title string, typ store.SessionType) (store.Session, error) {
	sv.mu.Lock()
	if _, exists := sv.sessions[id]; exists {
		sv.mu.Unlock()
		return store.Session{}, ErrAlreadyRunning
	}
	sv.mu.Unlock()

	paneID, err := sv.adapter.CreatePane(id, mux.CreateOptions{Cwd: cwd, Command: command})
	if err != nil {
		return store.Session{}, CreationFailed(err)
	}
	if title != "" {
		if err := sv.adapter.SetPaneTitle(paneID, title); err != nil {
			sv.logger.Warn("supervisor: set pane title failed", "id", id, "err", err)
		}
	}

	now := time.Now()
	row := store.Session{
		ID: id, ProjectID: projectID, TicketID: ticketID, ParentID: parentID, Type: typ,
		Status: store.SessionRunning, PaneID: paneID, StartedAt: now,
	}
	if err := sv.store.CreateSession(ctx, row); err != nil {
		_ = sv.adapter.KillPane(paneID)
		return store.Session{}, CreationFailed(err)
	}

	ls := newLiveSession(id, projectID, ticketID, paneID, sv.opts.RingBufferCapacity)
	sv.mu.Lock()
	sv.sessions[id] = ls
	sv.mu.Unlock()
	sv.waiting.Register(id)

	sv.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionStateChange, Payload: eventbus.SessionStateChange{
		SessionID: id, Previous: string(store.SessionRunning), New: string(store.SessionRunning), At: now,
	}})
	return row, nil
}

// StopSession stops a session. If it is not in the in-memory registry,
// falls back to the DB row and attempts to kill the pane directly.
func (sv *Supervisor) StopSession(ctx context.Context, id string, force bool) error {
	sv.mu.Lock()
	ls, known := sv.sessions[id]
	sv.mu.Unlock()

	if !known {
		row, err := sv.store.GetSession(ctx, id)
		if err != nil {
			return ErrSessionNotFound
		}
		if row.Status != store.SessionRunning && row.Status != store.SessionPaused {
			return ErrNotRunning
		}
		_ = sv.adapter.KillPane(row.PaneID)
		now := time.Now()
		return sv.store.UpdateSessionStatus(ctx, id, store.SessionCompleted, &now)
	}

	if ls.getStatus() != store.SessionRunning && ls.getStatus() != store.SessionPaused {
		return ErrNotRunning
	}

	if force {
		_ = sv.adapter.KillPane(ls.paneID)
	} else {
		_ = sv.adapter.SendInterrupt(ls.paneID)
		deadline := time.Now().Add(sv.opts.StopGrace)
		for time.Now().Before(deadline) && sv.adapter.IsPaneAlive(ls.paneID) {
			time.Sleep(100 * time.Millisecond)
		}
		if sv.adapter.IsPaneAlive(ls.paneID) {
			_ = sv.adapter.KillPane(ls.paneID)
		}
	}

	sv.finishSession(ctx, ls, store.SessionCompleted)
	return nil
}

func (sv *Supervisor) resolvePane(ctx context.Context, id string) (paneID string, status store.SessionStatus, err error) {
	sv.mu.Lock()
	ls, known := sv.sessions[id]
	sv.mu.Unlock()
	if known {
		return ls.paneID, ls.getStatus(), nil
	}
	row, err := sv.store.GetSession(ctx, id)
	if err != nil {
		return "", "", ErrSessionNotFound
	}
	return row.PaneID, row.Status, nil
}

// SendInput sends text to a session's pane, appending Enter.
func (sv *Supervisor) SendInput(ctx context.Context, id, text string) error {
	paneID, status, err := sv.resolvePane(ctx, id)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(paneID, mux.PaneIDPrefix) {
		return InputFailed(fmt.Errorf("pane id %q is an external placeholder", paneID))
	}
	if status != store.SessionRunning {
		return ErrNotRunning
	}
	if err := sv.adapter.SendText(paneID, text); err != nil {
		return InputFailed(err)
	}
	return nil
}

// SendKeys sends raw keys to a session's pane with no trailing Enter.
func (sv *Supervisor) SendKeys(ctx context.Context, id string, keys []byte) error {
	paneID, status, err := sv.resolvePane(ctx, id)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(paneID, mux.PaneIDPrefix) {
		return InputFailed(fmt.Errorf("pane id %q is an external placeholder", paneID))
	}
	if status != store.SessionRunning {
		return ErrNotRunning
	}
	if err := sv.adapter.SendRawKeys(paneID, keys); err != nil {
		return InputFailed(err)
	}
	return nil
}

// GetSession merges the DB row with in-memory status; in-memory wins when
// both exist.
func (sv *Supervisor) GetSession(ctx context.Context, id string) (store.Session, error) {
	row, err := sv.store.GetSession(ctx, id)
	if err != nil {
		return store.Session{}, ErrSessionNotFound
	}
	sv.mu.Lock()
	ls, known := sv.sessions[id]
	sv.mu.Unlock()
	if known {
		row.Status = ls.getStatus()
	}
	return row, nil
}

// ListSessions lists sessions for projectID (or all if empty), DB-backed,
// most recent first, capped at 100.
func (sv *Supervisor) ListSessions(ctx context.Context, projectID string) ([]store.Session, error) {
	return sv.store.ListSessions(ctx, projectID)
}

// Exists reports whether id is a live, in-memory session. Used by the
// fan-out hub to reject subscriptions to unknown sessions without a DB
// round trip.
func (sv *Supervisor) Exists(id string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_, ok := sv.sessions[id]
	return ok
}

// PaneID returns the tmux pane backing a live session, implementing
// ptybridge.PaneResolver.
func (sv *Supervisor) PaneID(id string) (string, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	ls, ok := sv.sessions[id]
	if !ok {
		return "", false
	}
	return ls.paneID, true
}

// IsPaneAlive delegates to the adapter, implementing ptybridge.PaneResolver.
func (sv *Supervisor) IsPaneAlive(paneID string) bool {
	return sv.adapter.IsPaneAlive(paneID)
}

// BinaryInfo reports whether a named binary resolves on PATH.
type BinaryInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path"`
}

// ProbeAgentBinary checks the coding-agent binary, the reviewer CLI, and
// tmux itself, so an operator can see at a glance what's missing.
func ProbeAgentBinary(agentBinary, reviewerBinary string) map[string]BinaryInfo {
	if agentBinary == "" {
		agentBinary = "claude"
	}
	if reviewerBinary == "" {
		reviewerBinary = "claude"
	}
	names := map[string]string{
		"agent":    agentBinary,
		"reviewer": reviewerBinary,
		"tmux":     "tmux",
	}
	result := make(map[string]BinaryInfo, len(names))
	for label, bin := range names {
		path, err := exec.LookPath(bin)
		result[label] = BinaryInfo{Available: err == nil, Path: path}
	}
	return result
}

// GetSessionOutput returns the last n lines from a session's in-memory
// ring buffer. Errors if the session is not in memory.
func (sv *Supervisor) GetSessionOutput(id string, n int) ([]string, error) {
	sv.mu.Lock()
	ls, known := sv.sessions[id]
	sv.mu.Unlock()
	if !known {
		return nil, ErrSessionNotFound
	}
	return ls.scrollback.LastN(n), nil
}
