package reviewer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/store"
	"github.com/watchloop/agentsup/internal/ticket"
)

// SessionResolver maps a session id to the information the orchestrator
// needs to assemble a prompt and check trigger eligibility.
type SessionResolver interface {
	ResolveSession(ctx context.Context, sessionID string) (SessionInfo, bool)
}

// runnerFunc executes one reviewer subprocess run. Tests substitute a fake
// so no process is actually spawned.
type runnerFunc func(ctx context.Context, cfg Config, prompt string) (Decision, error)

// Orchestrator is the Reviewer Orchestrator (spec.md §4.H).
type Orchestrator struct {
	cfg Config

	store    *store.Store
	tickets  *ticket.Machine
	bus      *eventbus.Bus
	sessions SessionResolver
	files    TicketFileReader
	diffs    DiffProvider
	tests    TestOutputReader
	output   OutputProvider
	logger   *slog.Logger
	runner   runnerFunc

	mu          sync.Mutex
	inProgress  map[string]context.CancelFunc // sessionID -> cancel of the active run
	lastOutput  map[string]time.Time

	busEvents <-chan eventbus.Event
	cron      *cron.Cron
	stopped   chan struct{}
}

// Deps bundles the orchestrator's external collaborators.
type Deps struct {
	Store    *store.Store
	Tickets  *ticket.Machine
	Bus      *eventbus.Bus
	Sessions SessionResolver
	Files    TicketFileReader
	Diffs    DiffProvider
	Tests    TestOutputReader
	Output   OutputProvider
	Logger   *slog.Logger
}

// New constructs an Orchestrator and starts its bus-driven triggers.
func New(cfg Config, d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		store:      d.Store,
		tickets:    d.Tickets,
		bus:        d.Bus,
		sessions:   d.Sessions,
		files:      d.Files,
		diffs:      d.Diffs,
		tests:      d.Tests,
		output:     d.Output,
		logger:     d.Logger,
		runner:     runProcess,
		inProgress: make(map[string]context.CancelFunc),
		lastOutput: make(map[string]time.Time),
		stopped:    make(chan struct{}),
	}
	o.busEvents = d.Bus.Subscribe(eventbus.KindWaitingStateChange, eventbus.KindSessionOutput)
	go o.consumeBus()

	o.cron = cron.New()
	o.cron.AddFunc("@every 15s", o.checkIdleSessions)
	o.cron.Start()
	return o
}

// Stop unsubscribes from the bus and stops the idle-timeout scheduler.
func (o *Orchestrator) Stop() {
	o.cron.Stop()
	o.bus.Unsubscribe(o.busEvents)
	<-o.stopped
}

func (o *Orchestrator) consumeBus() {
	defer close(o.stopped)
	for ev := range o.busEvents {
		switch ev.Kind {
		case eventbus.KindWaitingStateChange:
			if p, ok := ev.Payload.(eventbus.WaitingStateChange); ok {
				o.handleWaitingStateChange(p)
			}
		case eventbus.KindSessionOutput:
			if p, ok := ev.Payload.(eventbus.SessionOutput); ok {
				o.mu.Lock()
				o.lastOutput[p.SessionID] = time.Now()
				o.mu.Unlock()
			}
		}
	}
}

// handleWaitingStateChange implements the stop_hook trigger: a waiting
// transition with reason=stopped on a ticket session whose ticket is
// in_progress starts a review.
func (o *Orchestrator) handleWaitingStateChange(p eventbus.WaitingStateChange) {
	if p.Waiting || p.Reason != "stopped" {
		return
	}
	ctx := context.Background()
	sess, ok := o.sessions.ResolveSession(ctx, p.SessionID)
	if !ok || sess.TicketID == "" {
		return
	}
	t, err := o.store.GetTicket(ctx, nil, sess.TicketID)
	if err != nil || t.State != store.TicketInProgress {
		return
	}
	if err := o.StartReview(ctx, sess, "stop_hook"); err != nil && err != ErrReviewInProgress {
		o.logger.Warn("reviewer: stop_hook trigger failed", "session_id", sess.SessionID, "err", err)
	}
}

// checkIdleSessions implements the idle_timeout trigger: every cron tick,
// any tracked ticket session whose last output exceeds the idle window
// and whose ticket is in_progress is reviewed.
func (o *Orchestrator) checkIdleSessions() {
	ctx := context.Background()
	o.mu.Lock()
	candidates := make(map[string]time.Time, len(o.lastOutput))
	for id, at := range o.lastOutput {
		candidates[id] = at
	}
	o.mu.Unlock()

	for sessionID, lastAt := range candidates {
		if time.Since(lastAt) < o.cfg.IdleWindow {
			continue
		}
		sess, ok := o.sessions.ResolveSession(ctx, sessionID)
		if !ok || sess.TicketID == "" {
			continue
		}
		t, err := o.store.GetTicket(ctx, nil, sess.TicketID)
		if err != nil || t.State != store.TicketInProgress {
			continue
		}
		if err := o.StartReview(ctx, sess, "idle_timeout"); err != nil && err != ErrReviewInProgress {
			o.logger.Warn("reviewer: idle_timeout trigger failed", "session_id", sessionID, "err", err)
		}
	}
}

// TriggerManual starts a review for sessionID via an explicit HTTP request.
func (o *Orchestrator) TriggerManual(ctx context.Context, sessionID string) error {
	sess, ok := o.sessions.ResolveSession(ctx, sessionID)
	if !ok {
		return ErrReviewExecutionError
	}
	return o.StartReview(ctx, sess, "manual")
}

// StartReview assembles the prompt, runs the reviewer subprocess, and
// applies its decision. At most one review per session runs concurrently.
func (o *Orchestrator) StartReview(ctx context.Context, sess SessionInfo, trigger string) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if _, running := o.inProgress[sess.SessionID]; running {
		o.mu.Unlock()
		cancel()
		return ErrReviewInProgress
	}
	o.inProgress[sess.SessionID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inProgress, sess.SessionID)
		o.mu.Unlock()
		cancel()
	}()

	o.bus.Publish(eventbus.Event{Kind: eventbus.KindReviewStarted, Payload: eventbus.ReviewStarted{
		SessionID: sess.SessionID, TicketID: sess.TicketID, At: time.Now(),
	}})

	prompt := assemblePrompt(runCtx, sess, o.files, o.diffs, o.tests, o.output, o.cfg.RingLines)
	decision, err := o.runner(runCtx, o.cfg, prompt)
	if err != nil {
		o.bus.Publish(eventbus.Event{Kind: eventbus.KindReviewFailed, Payload: eventbus.ReviewFailed{
			SessionID: sess.SessionID, TicketID: sess.TicketID, Err: err.Error(), At: time.Now(),
		}})
		return err
	}

	_ = o.store.PutReviewCache(ctx, store.ReviewCache{SessionID: sess.SessionID, Decision: decision.Result, Reasoning: decision.Reasoning, UpdatedAt: time.Now()})
	o.applyDecision(ctx, sess, decision)

	o.bus.Publish(eventbus.Event{Kind: eventbus.KindReviewCompleted, Payload: eventbus.ReviewCompleted{
		SessionID: sess.SessionID, TicketID: sess.TicketID, Result: decision.Result, Reasoning: decision.Reasoning, At: time.Now(),
	}})
	return nil
}

// applyDecision implements the result-handling table from spec.md §4.H.
func (o *Orchestrator) applyDecision(ctx context.Context, sess SessionInfo, d Decision) {
	switch d.Result {
	case "complete":
		if err := o.tickets.MoveToReview(ctx, sess.TicketID, sess.SessionID); err != nil {
			if !errors.Is(err, ticket.ErrInvalidTransition) {
				o.logger.Warn("reviewer: moveToReview failed", "ticket_id", sess.TicketID, "err", err)
			}
		}
		o.notify(ctx, store.NotificationReviewReady, d.Reasoning, sess.SessionID, sess.TicketID)
	case "needs_clarification":
		o.notify(ctx, store.NotificationWaitingInput, d.Reasoning, sess.SessionID, sess.TicketID)
	case "not_complete":
		// No state change, no notification.
	}
}

// notify upserts a durable notification row and announces it on the bus so
// the Notification Service and the fan-out hub can pick it up.
func (o *Orchestrator) notify(ctx context.Context, typ store.NotificationType, message, sessionID, ticketID string) {
	id := uuid.NewString()
	now := time.Now()
	_ = o.store.UpsertNotification(ctx, store.Notification{
		ID: id, Type: typ, Message: message, SessionID: sessionID, TicketID: ticketID, CreatedAt: now,
	})
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindNotificationNew, Payload: eventbus.NotificationNew{
		ID: id, Type: string(typ), Message: message, SessionID: sessionID, TicketID: ticketID, At: now,
	}})
}
