package hub

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/watchloop/agentsup/internal/eventbus"
)

// Hub is the Realtime Fan-Out Hub (spec.md §4.J).
type Hub struct {
	cfg      Config
	sessions SessionOps
	panes    PaneOps
	pty      PTYOps
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection

	busEvents <-chan eventbus.Event
	stopped   chan struct{}
}

// New constructs a Hub and starts its bus-driven fan-out.
func New(cfg Config, sessions SessionOps, panes PaneOps, pty PTYOps, bus *eventbus.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		panes:    panes,
		pty:      pty,
		bus:      bus,
		logger:   logger,
		conns:    make(map[string]*connection),
		stopped:  make(chan struct{}),
	}
	h.busEvents = bus.Subscribe(
		eventbus.KindSessionOutput, eventbus.KindSessionExit, eventbus.KindNotificationNew,
		eventbus.KindSessionStateChange, eventbus.KindWaitingStateChange,
		eventbus.KindTicketStateChange, eventbus.KindReviewCompleted, eventbus.KindClaudeStateChange,
	)
	go h.consumeBus()
	return h
}

// Stop unsubscribes from the bus.
func (h *Hub) Stop() {
	h.bus.Unsubscribe(h.busEvents)
	<-h.stopped
}

func (h *Hub) consumeBus() {
	defer close(h.stopped)
	for ev := range h.busEvents {
		switch ev.Kind {
		case eventbus.KindSessionOutput:
			if p, ok := ev.Payload.(eventbus.SessionOutput); ok {
				h.broadcastOutput(p.SessionID, p.Lines)
			}
		case eventbus.KindSessionExit:
			if p, ok := ev.Payload.(eventbus.SessionExit); ok {
				h.broadcastExit(p.SessionID)
			}
		case eventbus.KindNotificationNew:
			if p, ok := ev.Payload.(eventbus.NotificationNew); ok {
				h.broadcastNotification(p)
			}
		case eventbus.KindSessionStateChange:
			if p, ok := ev.Payload.(eventbus.SessionStateChange); ok {
				h.broadcastStatus(p)
			}
		case eventbus.KindWaitingStateChange:
			if p, ok := ev.Payload.(eventbus.WaitingStateChange); ok {
				h.broadcastWaiting(p)
			}
		case eventbus.KindClaudeStateChange:
			if p, ok := ev.Payload.(eventbus.ClaudeStateChange); ok {
				h.broadcastAnalysisStatus(p)
			}
		case eventbus.KindTicketStateChange:
			if p, ok := ev.Payload.(eventbus.TicketStateChange); ok {
				h.broadcastTicketState(p)
			}
		case eventbus.KindReviewCompleted:
			if p, ok := ev.Payload.(eventbus.ReviewCompleted); ok {
				h.broadcastReviewResult(p)
			}
		}
	}
}

// broadcastNotification relays a Notification Service announcement to
// every connected client, not just subscribers of one session — the
// notification center is global.
func (h *Hub) broadcastNotification(n eventbus.NotificationNew) {
	for _, c := range h.allConns() {
		_ = c.transport.WriteJSON(context.Background(), serverMessage{
			Type: "notification:new", SessionID: n.SessionID, Message: n.Message,
		})
	}
}

// broadcastOutput fans session:output out to every subscriber of
// sessionID, EXCEPT connections that currently have a PTY attached to
// that session — those receive the byte stream via pty:data instead, so
// they must not see a duplicate, lower-fidelity copy.
func (h *Hub) broadcastOutput(sessionID string, lines []string) {
	for _, c := range h.subscribersOf(sessionID) {
		if c.isPTYAttached(sessionID) {
			continue
		}
		_ = c.transport.WriteJSON(context.Background(), serverMessage{Type: "session:output", SessionID: sessionID, Lines: lines})
	}
}

func (h *Hub) broadcastExit(sessionID string) {
	for _, c := range h.subscribersOf(sessionID) {
		_ = c.transport.WriteJSON(context.Background(), serverMessage{Type: "session:exit", SessionID: sessionID})
	}
}

// broadcastStatus relays session:status to every subscriber of the
// session, regardless of PTY attachment — unlike output, a status
// transition is not duplicated by the raw PTY stream.
func (h *Hub) broadcastStatus(p eventbus.SessionStateChange) {
	for _, c := range h.subscribersOf(p.SessionID) {
		_ = c.transport.WriteJSON(context.Background(), serverMessage{
			Type: "session:status", SessionID: p.SessionID, Previous: p.Previous, New: p.New,
		})
	}
}

// broadcastWaiting relays session:waiting to every subscriber of the
// session, regardless of PTY attachment.
func (h *Hub) broadcastWaiting(p eventbus.WaitingStateChange) {
	waiting := p.Waiting
	for _, c := range h.subscribersOf(p.SessionID) {
		_ = c.transport.WriteJSON(context.Background(), serverMessage{
			Type: "session:waiting", SessionID: p.SessionID, Waiting: &waiting, Reason: p.Reason,
		})
	}
}

// broadcastAnalysisStatus relays ai:analysis_status to subscribers of the
// session it concerns.
func (h *Hub) broadcastAnalysisStatus(p eventbus.ClaudeStateChange) {
	for _, c := range h.subscribersOf(p.SessionID) {
		_ = c.transport.WriteJSON(context.Background(), serverMessage{
			Type: "ai:analysis_status", SessionID: p.SessionID, Previous: p.Previous, New: p.New,
		})
	}
}

// broadcastTicketState relays ticket:state to every connected client —
// the ticket board is a global view, not scoped to one session.
func (h *Hub) broadcastTicketState(p eventbus.TicketStateChange) {
	for _, c := range h.allConns() {
		_ = c.transport.WriteJSON(context.Background(), serverMessage{
			Type: "ticket:state", TicketID: p.TicketID, FromState: string(p.FromState), ToState: string(p.ToState),
			Trigger: p.Trigger, Reason: p.Reason, Feedback: p.Feedback, TriggeredBy: p.TriggeredBy,
		})
	}
}

// broadcastReviewResult relays review:result globally, same as
// ticket:state — a review outcome updates the ticket board regardless of
// which session a client has open.
func (h *Hub) broadcastReviewResult(p eventbus.ReviewCompleted) {
	for _, c := range h.allConns() {
		_ = c.transport.WriteJSON(context.Background(), serverMessage{
			Type: "review:result", SessionID: p.SessionID, TicketID: p.TicketID, Result: p.Result, Reasoning: p.Reasoning,
		})
	}
}

// allConns snapshots every registered connection, for broadcasts that
// aren't scoped to one session's subscribers.
func (h *Hub) allConns() []*connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) subscribersOf(sessionID string) []*connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*connection
	for _, c := range h.conns {
		if c.isSubscribed(sessionID) {
			out = append(out, c)
		}
	}
	return out
}

// Register adds a new connection to the registry and returns it.
func (h *Hub) Register(t Transport) *connection {
	c := newConnection(uuid.NewString(), t, h)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	return c
}

// Unregister removes a connection and detaches any PTY it held.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()
	_ = h.pty.Detach(connID)
}

// OnPTYData implements ptybridge.Sink, dispatching by connection id.
func (h *Hub) OnPTYData(connectionID string, data []byte) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	h.mu.Unlock()
	if ok {
		c.onPTYData(data)
	}
}

// OnPTYExit implements ptybridge.Sink, dispatching by connection id.
func (h *Hub) OnPTYExit(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	h.mu.Unlock()
	if ok {
		c.onPTYExit()
	}
}

// Authorize implements spec.md §4.J's authorization rule: a configured
// API key must match via query parameter, except for loopback peers.
func (h *Hub) Authorize(r *http.Request) bool {
	if h.cfg.APIKey == "" {
		return true
	}
	if isLoopback(r.RemoteAddr) {
		return true
	}
	return r.URL.Query().Get("apiKey") == h.cfg.APIKey
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
