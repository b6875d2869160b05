// Package notify is the Notification Service (spec.md §2.K): it consumes
// notification:new bus events and announces them on every configured
// channel — browser push and an optional Slack webhook.
package notify

import "time"

// Config tunes the announce channels. SlackWebhookURL empty disables the
// Slack sink entirely.
type Config struct {
	SlackWebhookURL string
	VAPIDConfigDir  string // overrides the default ~/.config/agentsup location
}

// announcement is what gets pushed/posted for one notification:new event.
type announcement struct {
	ID        string
	Type      string
	Message   string
	SessionID string
	TicketID  string
	At        time.Time
}

type pushPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	TicketID  string `json:"ticketId,omitempty"`
}
