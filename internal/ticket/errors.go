package ticket

import (
	"errors"
	"fmt"

	"github.com/watchloop/agentsup/internal/store"
)

// ErrInvalidTransition is returned when no rule in the adjacency table
// covers the requested (from, to) pair.
var ErrInvalidTransition = errors.New("ticket: invalid transition")

// ErrMissingFeedback is returned when a review -> in_progress transition
// is attempted with reason=user_rejected and an empty feedback string.
var ErrMissingFeedback = errors.New("ticket: missing feedback")

// InvalidTransitionError names the offending pair for callers that want
// to render it.
type InvalidTransitionError struct {
	From store.TicketState
	To   store.TicketState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ticket: invalid transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidTransition(from, to store.TicketState) error {
	return &InvalidTransitionError{From: from, To: to}
}
