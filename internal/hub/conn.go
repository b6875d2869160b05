package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/watchloop/agentsup/internal/ptybridge"
)

// connection tracks one realtime client: its subscriptions, PTY
// attachments, and sliding-window rate-limit counter.
type connection struct {
	id        string
	transport Transport
	hub       *Hub

	mu            sync.Mutex
	subscriptions map[string]struct{}
	ptyAttached   map[string]struct{}
	lastActivity  time.Time
	missedPongs   int

	rateMu          sync.Mutex
	rateWindowStart time.Time
	rateCount       int
}

func newConnection(id string, t Transport, h *Hub) *connection {
	return &connection{
		id:            id,
		transport:     t,
		hub:           h,
		subscriptions: make(map[string]struct{}),
		ptyAttached:   make(map[string]struct{}),
		lastActivity:  time.Now(),
	}
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// allow reports whether one more message fits within the current
// rate-limit window, advancing the window when it has elapsed.
func (c *connection) allow(now time.Time, max int, window time.Duration) bool {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	if now.Sub(c.rateWindowStart) >= window {
		c.rateWindowStart = now
		c.rateCount = 0
	}
	if c.rateCount >= max {
		return false
	}
	c.rateCount++
	return true
}

func (c *connection) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[sessionID]
	return ok
}

func (c *connection) subscribe(sessionID string) {
	c.mu.Lock()
	c.subscriptions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
}

func (c *connection) isPTYAttached(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ptyAttached[sessionID]
	return ok
}

func (c *connection) markPTYAttached(sessionID string) {
	c.mu.Lock()
	c.ptyAttached[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) clearPTYAttached(sessionID string) {
	c.mu.Lock()
	delete(c.ptyAttached, sessionID)
	c.mu.Unlock()
}

func (c *connection) writeError(ctx context.Context, code, message string) {
	_ = c.transport.WriteJSON(ctx, serverMessage{Type: "error", Code: code, Message: message})
}

// handleMessage parses and dispatches one inbound frame. It never returns
// an error to the caller; all failures are surfaced to the client as an
// `error` envelope.
func (c *connection) handleMessage(ctx context.Context, raw []byte) {
	c.touch()
	if !c.allow(time.Now(), c.hub.cfg.RateLimitMaxMessages, c.hub.cfg.RateLimitWindow) {
		c.writeError(ctx, ErrCodeRateLimited, "too many messages")
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.writeError(ctx, ErrCodeParseError, "malformed json")
		return
	}

	switch msg.Type {
	case "session:subscribe":
		c.handleSubscribe(ctx, msg)
	case "session:unsubscribe":
		if msg.SessionID == "" {
			c.writeError(ctx, ErrCodeInvalidMessage, "sessionId required")
			return
		}
		c.unsubscribe(msg.SessionID)
	case "session:input":
		c.handleInput(ctx, msg)
	case "session:keys":
		c.handleKeys(ctx, msg)
	case "ping":
		_ = c.transport.WriteJSON(ctx, serverMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
	case "pty:attach":
		c.handlePTYAttach(ctx, msg)
	case "pty:detach":
		c.handlePTYDetach(ctx, msg)
	case "pty:data":
		c.handlePTYData(ctx, msg)
	case "pty:resize":
		c.handlePTYResize(ctx, msg)
	case "pty:selectPane":
		c.handleSelectPane(ctx, msg)
	default:
		c.writeError(ctx, ErrCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

func (c *connection) handleSubscribe(ctx context.Context, msg clientMessage) {
	if msg.SessionID == "" {
		c.writeError(ctx, ErrCodeInvalidMessage, "sessionId required")
		return
	}
	if !c.hub.sessions.Exists(msg.SessionID) {
		c.writeError(ctx, ErrCodeNotFound, "session not found: "+msg.SessionID)
		return
	}
	c.subscribe(msg.SessionID)

	lines, _ := c.hub.sessions.GetSessionOutput(msg.SessionID, c.hub.cfg.OutputBufferLines)
	_ = c.transport.WriteJSON(ctx, serverMessage{Type: "subscribed", SessionID: msg.SessionID, Lines: lines})
	if len(lines) > 0 {
		_ = c.transport.WriteJSON(ctx, serverMessage{Type: "session:output", SessionID: msg.SessionID, Lines: lines})
	}
}

func (c *connection) handleInput(ctx context.Context, msg clientMessage) {
	if msg.SessionID == "" {
		c.writeError(ctx, ErrCodeInvalidMessage, "sessionId required")
		return
	}
	if !c.isSubscribed(msg.SessionID) {
		c.writeError(ctx, ErrCodeNotSubscribed, "not subscribed to "+msg.SessionID)
		return
	}
	if err := c.hub.sessions.SendInput(ctx, msg.SessionID, msg.Text); err != nil {
		c.hub.logger.Debug("hub: send input failed", "session_id", msg.SessionID, "err", err)
	}
}

func (c *connection) handleKeys(ctx context.Context, msg clientMessage) {
	if msg.SessionID == "" {
		c.writeError(ctx, ErrCodeInvalidMessage, "sessionId required")
		return
	}
	if !c.isSubscribed(msg.SessionID) {
		c.writeError(ctx, ErrCodeNotSubscribed, "not subscribed to "+msg.SessionID)
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Keys)
	if err != nil {
		c.writeError(ctx, ErrCodeInvalidMessage, "keys must be base64")
		return
	}
	if err := c.hub.sessions.SendKeys(ctx, msg.SessionID, decoded); err != nil {
		c.hub.logger.Debug("hub: send keys failed", "session_id", msg.SessionID, "err", err)
	}
}

func (c *connection) handlePTYAttach(ctx context.Context, msg clientMessage) {
	if msg.SessionID == "" {
		c.writeError(ctx, ErrCodeInvalidMessage, "sessionId required")
		return
	}
	cols, rows := msg.Cols, msg.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 36
	}
	gotCols, gotRows, err := c.hub.pty.Attach(c.id, msg.SessionID, ptybridge.AttachOptions{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		c.writeError(ctx, ErrCodeInvalidMessage, "attach failed: "+err.Error())
		return
	}
	c.markPTYAttached(msg.SessionID)
	c.subscribe(msg.SessionID)
	_ = c.transport.WriteJSON(ctx, serverMessage{Type: "pty:attached", SessionID: msg.SessionID, Cols: int(gotCols), Rows: int(gotRows)})
}

func (c *connection) handlePTYDetach(ctx context.Context, msg clientMessage) {
	if msg.SessionID == "" {
		c.writeError(ctx, ErrCodeInvalidMessage, "sessionId required")
		return
	}
	_ = c.hub.pty.Detach(c.id)
	c.clearPTYAttached(msg.SessionID)
	_ = c.transport.WriteJSON(ctx, serverMessage{Type: "pty:detached", SessionID: msg.SessionID})
}

func (c *connection) handlePTYData(ctx context.Context, msg clientMessage) {
	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.writeError(ctx, ErrCodeInvalidMessage, "data must be base64")
		return
	}
	if err := c.hub.pty.Write(c.id, decoded); err != nil {
		c.hub.logger.Debug("hub: pty write failed", "err", err)
	}
}

func (c *connection) handlePTYResize(ctx context.Context, msg clientMessage) {
	if err := c.hub.pty.Resize(c.id, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
		c.hub.logger.Debug("hub: pty resize failed", "err", err)
	}
}

func (c *connection) handleSelectPane(ctx context.Context, msg clientMessage) {
	if msg.SessionID == "" {
		c.writeError(ctx, ErrCodeInvalidMessage, "sessionId required")
		return
	}
	paneID, ok := c.hub.panes.PaneID(msg.SessionID)
	if !ok {
		c.writeError(ctx, ErrCodeNotFound, "session not found: "+msg.SessionID)
		return
	}
	if err := c.hub.panes.SelectPane(paneID); err != nil {
		c.hub.logger.Debug("hub: select pane failed", "err", err)
		return
	}
	if zoomed, _ := c.hub.panes.IsZoomed(paneID); !zoomed {
		_ = c.hub.panes.ResizePaneZoom(paneID)
	}
}

// onPTYData forwards bytes from this connection's attached PTY as a
// pty:data frame; Hub.OnPTYData (the ptybridge.Sink method) dispatches here.
func (c *connection) onPTYData(data []byte) {
	_ = c.transport.WriteJSON(context.Background(), serverMessage{Type: "pty:data", Data: base64.StdEncoding.EncodeToString(data)})
}

func (c *connection) onPTYExit() {
	_ = c.transport.WriteJSON(context.Background(), serverMessage{Type: "pty:exit"})
}
