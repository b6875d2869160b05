// Package ticket is the Ticket State Machine: validated, audited
// transitions on a ticket entity, persisted atomically with its history
// row and announced on the event bus.
package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/store"
)

const (
	feedbackHeader = "--- reviewer feedback ---"
	feedbackFooter = "--- end feedback ---"
)

// formatFeedback wraps raw rejection feedback between a canonical header
// and footer. Deterministic function of input; trims surrounding
// whitespace only.
func formatFeedback(raw string) string {
	return feedbackHeader + "\n" + strings.TrimSpace(raw) + "\n" + feedbackFooter
}

// rule is one entry in the allowed-transition adjacency table.
type rule struct {
	from store.TicketState
	to   store.TicketState
}

var allowedTransitions = map[rule]struct{}{
	{store.TicketBacklog, store.TicketInProgress}:    {},
	{store.TicketInProgress, store.TicketReview}:     {},
	{store.TicketInProgress, store.TicketBacklog}:    {},
	{store.TicketReview, store.TicketDone}:           {},
	{store.TicketReview, store.TicketInProgress}:     {},
	{store.TicketDone, store.TicketInProgress}:       {},
}

// Machine is the Ticket State Machine. It owns the transition adjacency
// table, the side effects on each transition, and publishes
// ticket:stateChange on success.
type Machine struct {
	store  *store.Store
	bus    *eventbus.Bus
	logger *slog.Logger
}

// New constructs a Machine backed by st, announcing transitions on bus.
func New(st *store.Store, bus *eventbus.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: st, bus: bus, logger: logger}
}

// TransitionParams carries everything needed to attempt one transition.
type TransitionParams struct {
	TicketID    string
	To          store.TicketState
	Trigger     string // "manual" or "auto"
	Reason      string
	Feedback    string // raw, pre-formatting; required iff Reason == "user_rejected"
	TriggeredBy string
}

// Transition validates and applies one ticket state change. The ticket
// row update and its StateHistoryEntry are written atomically.
func (m *Machine) Transition(ctx context.Context, p TransitionParams) error {
	if p.Reason == "user_rejected" && strings.TrimSpace(p.Feedback) == "" {
		return ErrMissingFeedback
	}

	var from store.TicketState
	var feedback string
	var startedAt, completedAt *time.Time

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		t, err := m.store.GetTicket(ctx, tx, p.TicketID)
		if err != nil {
			return fmt.Errorf("ticket: load: %w", err)
		}
		from = t.State
		if _, ok := allowedTransitions[rule{from, p.To}]; !ok {
			return invalidTransition(from, p.To)
		}

		startedAt = t.StartedAt
		completedAt = t.CompletedAt
		feedback = t.RejectionFeedback

		now := time.Now()
		switch {
		case from == store.TicketBacklog && p.To == store.TicketInProgress:
			startedAt = &now
			feedback = ""
		case p.Reason == "user_rejected" && from == store.TicketReview && p.To == store.TicketInProgress:
			feedback = formatFeedback(p.Feedback)
		default:
			feedback = ""
		}
		if p.To == store.TicketDone {
			completedAt = &now
		}
		if from == store.TicketDone {
			completedAt = nil
		}

		if err := m.store.UpdateTicketState(ctx, tx, p.TicketID, p.To, startedAt, completedAt, feedback); err != nil {
			return err
		}
		return m.store.AppendStateHistory(ctx, tx, store.StateHistoryEntry{
			TicketID:    p.TicketID,
			FromState:   from,
			ToState:     p.To,
			Trigger:     p.Trigger,
			Reason:      p.Reason,
			Feedback:    feedback,
			TriggeredBy: p.TriggeredBy,
			Timestamp:   now,
		})
	})
	if err != nil {
		return err
	}

	m.bus.Publish(eventbus.Event{Kind: eventbus.KindTicketStateChange, Payload: eventbus.TicketStateChange{
		TicketID:    p.TicketID,
		FromState:   string(from),
		ToState:     string(p.To),
		Trigger:     p.Trigger,
		Reason:      p.Reason,
		Feedback:    feedback,
		TriggeredBy: p.TriggeredBy,
		At:          time.Now(),
	}})
	m.logger.Info("ticket: transition", "ticket_id", p.TicketID, "from", from, "to", p.To, "reason", p.Reason)
	return nil
}

// Approve moves a ticket from review to done.
func (m *Machine) Approve(ctx context.Context, ticketID, by string) error {
	return m.Transition(ctx, TransitionParams{
		TicketID: ticketID, To: store.TicketDone, Trigger: "manual", Reason: "user_approved", TriggeredBy: by,
	})
}

// Reject moves a ticket from review back to in_progress, recording
// mandatory feedback.
func (m *Machine) Reject(ctx context.Context, ticketID, feedback, by string) error {
	return m.Transition(ctx, TransitionParams{
		TicketID: ticketID, To: store.TicketInProgress, Trigger: "manual", Reason: "user_rejected",
		Feedback: feedback, TriggeredBy: by,
	})
}

// StartWork moves a ticket from backlog to in_progress when a session
// attaches to it.
func (m *Machine) StartWork(ctx context.Context, ticketID, sessionID string) error {
	return m.Transition(ctx, TransitionParams{
		TicketID: ticketID, To: store.TicketInProgress, Trigger: "auto", Reason: "session_started", TriggeredBy: sessionID,
	})
}

// MoveToReview moves a ticket from in_progress to review once completion
// is detected.
func (m *Machine) MoveToReview(ctx context.Context, ticketID, sessionID string) error {
	return m.Transition(ctx, TransitionParams{
		TicketID: ticketID, To: store.TicketReview, Trigger: "auto", Reason: "completion_detected", TriggeredBy: sessionID,
	})
}

// GetHistory returns a ticket's audit rows in ascending time order.
func (m *Machine) GetHistory(ctx context.Context, ticketID string) ([]store.StateHistoryEntry, error) {
	return m.store.ListStateHistory(ctx, ticketID)
}
