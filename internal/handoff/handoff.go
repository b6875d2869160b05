package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/store"
)

// Controller is the Auto-Handoff Controller (spec.md §4.I).
type Controller struct {
	cfg      Config
	sessions SessionManager
	tickets  TicketResolver
	store    *store.Store
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New constructs a Controller.
func New(cfg Config, sessions SessionManager, tickets TicketResolver, st *store.Store, bus *eventbus.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		tickets:  tickets,
		store:    st,
		bus:      bus,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// Abort cancels an in-flight handoff for sessionID, if one is running.
func (c *Controller) Abort(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.running[sessionID]; ok {
		cancel()
	}
}

// Start runs the handoff protocol for sessionID to completion or failure.
// Only type=ticket, status=running sessions are eligible; only one
// handoff per session may run at a time.
func (c *Controller) Start(ctx context.Context, sessionID string) error {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("handoff: load session: %w", err)
	}
	if sess.Type != store.SessionTicket || sess.Status != store.SessionRunning {
		return ErrNotEligible
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, running := c.running[sessionID]; running {
		c.mu.Unlock()
		cancel()
		return ErrHandoffInProgress
	}
	c.running[sessionID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, sessionID)
		c.mu.Unlock()
		cancel()
	}()

	c.bus.Publish(eventbus.Event{Kind: eventbus.KindHandoffStarted, Payload: eventbus.HandoffStarted{
		FromSessionID: sessionID, At: time.Now(),
	}})

	newSessionID, err := c.run(runCtx, sess)
	if err != nil {
		preserved := isPreservingFailure(err)
		c.bus.Publish(eventbus.Event{Kind: eventbus.KindHandoffFailed, Payload: eventbus.HandoffFailed{
			FromSessionID: sessionID, Err: err.Error(), SessionPreserved: preserved, At: time.Now(),
		}})
		_ = c.store.InsertHandoffEvent(ctx, store.HandoffEvent{FromSessionID: sessionID, State: string(store.HandoffFailed), Message: err.Error(), At: time.Now()})
		if !preserved {
			c.notify(ctx, store.NotificationHandoffFailed, err.Error(), sessionID, sess.TicketID)
		}
		return err
	}

	_ = c.store.InsertHandoffEvent(ctx, store.HandoffEvent{FromSessionID: sessionID, ToSessionID: newSessionID, State: string(store.HandoffComplete), At: time.Now()})
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindHandoffCompleted, Payload: eventbus.HandoffCompleted{
		FromSessionID: sessionID, ToSessionID: newSessionID, ContextAtHandoff: sess.ContextPercent, At: time.Now(),
	}})
	c.notify(ctx, store.NotificationHandoffComplete, "handoff complete", newSessionID, sess.TicketID)
	return nil
}

// notify upserts a durable notification row and announces it on the bus so
// the Notification Service and the fan-out hub can pick it up.
func (c *Controller) notify(ctx context.Context, typ store.NotificationType, message, sessionID, ticketID string) {
	id := uuid.NewString()
	now := time.Now()
	_ = c.store.UpsertNotification(ctx, store.Notification{
		ID: id, Type: typ, Message: message, SessionID: sessionID, TicketID: ticketID, CreatedAt: now,
	})
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindNotificationNew, Payload: eventbus.NotificationNew{
		ID: id, Type: string(typ), Message: message, SessionID: sessionID, TicketID: ticketID, At: now,
	}})
}

// preservingFailureError marks errors from steps after which the old
// session is still alive (exporting, waiting_file).
type preservingFailureError struct{ err error }

func (e *preservingFailureError) Error() string { return e.err.Error() }
func (e *preservingFailureError) Unwrap() error { return e.err }

func isPreservingFailure(err error) bool {
	var pf *preservingFailureError
	return errors.As(err, &pf)
}

func (c *Controller) progress(sessionID string, state, message string) {
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindHandoffProgress, Payload: eventbus.HandoffProgress{
		FromSessionID: sessionID, State: state, Message: message, At: time.Now(),
	}})
}

// run executes the protocol steps in order and returns the new session id
// on success.
func (c *Controller) run(ctx context.Context, sess store.Session) (string, error) {
	handoffPath := c.cfg.HandoffFilePath(sess.ID)

	// exporting
	c.progress(sess.ID, "exporting", "sending export command")
	existedBefore, mtimeBefore := statMtime(handoffPath)
	if err := c.sessions.SendInput(ctx, sess.ID, c.cfg.ExportCommand); err != nil {
		return "", &preservingFailureError{fmt.Errorf("handoff: export command: %w", err)}
	}
	if err := sleepCtx(ctx, c.cfg.PostExportDelay); err != nil {
		return "", &preservingFailureError{err}
	}

	// waiting_file
	c.progress(sess.ID, "waiting_file", "waiting for export file to be written")
	if err := c.waitForFile(ctx, handoffPath, existedBefore, mtimeBefore); err != nil {
		return "", &preservingFailureError{err}
	}

	// terminating
	c.progress(sess.ID, "terminating", "stopping the original session")
	if err := c.sessions.StopSession(ctx, sess.ID, false); err != nil {
		return "", fmt.Errorf("handoff: stop session: %w", err)
	}

	// creating_session — from here on, the old session is gone: failures
	// are not roll-back-safe.
	c.progress(sess.ID, "creating_session", "creating replacement session")
	newSess, err := c.sessions.StartTicketSession(ctx, sess.ProjectID, sess.TicketID, "", sess.ID)
	if err != nil {
		return "", fmt.Errorf("handoff: create replacement session: %w", err)
	}

	// importing
	c.progress(sess.ID, "importing", "importing context into the replacement session")
	if err := sleepCtx(ctx, c.cfg.ImportDelay); err != nil {
		return "", fmt.Errorf("handoff: import delay: %w", err)
	}
	if err := c.sessions.SendInput(ctx, newSess.ID, c.cfg.ImportCommand); err != nil {
		return "", fmt.Errorf("handoff: import command: %w", err)
	}
	if err := sleepCtx(ctx, c.cfg.PostImportDelay); err != nil {
		return "", fmt.Errorf("handoff: post-import delay: %w", err)
	}
	externalID, _ := c.tickets.ExternalIDFor(ctx, sess.TicketID)
	if err := c.sessions.SendInput(ctx, newSess.ID, continuationPrompt(sess.TicketID, externalID)); err != nil {
		return "", fmt.Errorf("handoff: continuation prompt: %w", err)
	}

	c.progress(sess.ID, "complete", "handoff complete")
	return newSess.ID, nil
}

func (c *Controller) waitForFile(ctx context.Context, path string, existedBefore bool, mtimeBefore time.Time) error {
	deadline := time.Now().Add(c.cfg.HandoffTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		exists, mtime := statMtime(path)
		if exists && (!existedBefore || mtime.After(mtimeBefore)) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrHandoffTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func statMtime(path string) (exists bool, mtime time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		return false, time.Time{}
	}
	return true, info.ModTime()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
