// Package hub is the Realtime Fan-Out Hub: it terminates WebSocket
// connections, tracks per-connection session subscriptions, and fans out
// session output, PTY bytes, and lifecycle events to subscribed clients.
package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/watchloop/agentsup/internal/ptybridge"
)

// clientMessage is the discriminated union of messages a client may send.
type clientMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Text      string          `json:"text,omitempty"`
	Keys      string          `json:"keys,omitempty"` // base64
	Data      string          `json:"data,omitempty"` // base64, pty:data
	Cols      int             `json:"cols,omitempty"`
	Rows      int             `json:"rows,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// serverMessage is anything the hub writes back to a client.
type serverMessage struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId,omitempty"`
	TicketID  string   `json:"ticketId,omitempty"`
	Lines     []string `json:"lines,omitempty"`
	Data      string   `json:"data,omitempty"`
	Cols      int      `json:"cols,omitempty"`
	Rows      int      `json:"rows,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Code      string   `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`

	Previous string `json:"previous,omitempty"`
	New      string `json:"new,omitempty"`
	Waiting  *bool  `json:"waiting,omitempty"`
	Reason   string `json:"reason,omitempty"`

	FromState   string `json:"fromState,omitempty"`
	ToState     string `json:"toState,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
	TriggeredBy string `json:"triggeredBy,omitempty"`

	Result    string `json:"result,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Config tunes authorization, rate limiting, and heartbeat behavior.
type Config struct {
	APIKey               string
	RateLimitMaxMessages int
	RateLimitWindow      time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
	MissedPongLimit      int
	OutputBufferLines    int
	ReadLimitBytes       int64
}

func (c Config) withDefaults() Config {
	if c.RateLimitMaxMessages <= 0 {
		c.RateLimitMaxMessages = 50
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.MissedPongLimit <= 0 {
		c.MissedPongLimit = 2
	}
	if c.OutputBufferLines <= 0 {
		c.OutputBufferLines = 200
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = 64 * 1024
	}
	return c
}

// Transport abstracts the underlying socket so connection logic is
// testable without a real network round-trip.
type Transport interface {
	WriteJSON(ctx context.Context, v any) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// SessionOps is the subset of the Session Supervisor the hub drives.
type SessionOps interface {
	Exists(sessionID string) bool
	GetSessionOutput(sessionID string, n int) ([]string, error)
	SendInput(ctx context.Context, sessionID, text string) error
	SendKeys(ctx context.Context, sessionID string, keys []byte) error
}

// PaneOps is the subset of the Terminal Multiplexer Adapter the hub needs
// for pty:selectPane.
type PaneOps interface {
	SelectPane(paneID string) error
	IsZoomed(paneID string) (bool, error)
	ResizePaneZoom(paneID string) error
	PaneID(sessionID string) (string, bool)
}

// PTYOps is the subset of the PTY Bridge the hub drives. *ptybridge.Bridge
// satisfies it; tests substitute a fake.
type PTYOps interface {
	Attach(connectionID, sessionID string, opts ptybridge.AttachOptions) (cols, rows uint16, err error)
	Write(connectionID string, data []byte) error
	Resize(connectionID string, cols, rows uint16) error
	Detach(connectionID string) error
}
