package handoff

import "errors"

// ErrHandoffInProgress is returned when a second handoff is requested for
// a session that already has one running.
var ErrHandoffInProgress = errors.New("handoff: already in progress")

// ErrHandoffTimeout is returned when waiting_file exceeds the configured
// total timeout.
var ErrHandoffTimeout = errors.New("handoff: timed out waiting for export file")

// ErrNotEligible is returned when the session is not type=ticket,
// status=running.
var ErrNotEligible = errors.New("handoff: session not eligible")
