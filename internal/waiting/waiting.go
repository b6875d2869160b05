package waiting

import (
	"context"
	"log/slog"
	"sync"

	"github.com/watchloop/agentsup/internal/eventbus"
)

// Detector is the Waiting Detector described in spec.md §4.F.
type Detector struct {
	mu      sync.Mutex
	actors  map[string]*sessionActor

	bus      *eventbus.Bus
	resolver SessionResolver
	cfg      Config
	patterns compiledPatterns
	logger   *slog.Logger

	busEvents <-chan eventbus.Event
	stopped   chan struct{}
}

// New constructs a Detector and subscribes it to the session:output and
// claude:stateChange topics.
func New(bus *eventbus.Bus, resolver SessionResolver, cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	d := &Detector{
		actors:   make(map[string]*sessionActor),
		bus:      bus,
		resolver: resolver,
		cfg:      cfg,
		patterns: compile(cfg),
		logger:   logger,
		stopped:  make(chan struct{}),
	}
	d.busEvents = bus.Subscribe(eventbus.KindSessionOutput, eventbus.KindClaudeStateChange)
	go d.consumeBus()
	return d
}

// SetResolver replaces the session resolver. Useful when the resolver's own
// construction depends on the detector already existing (it's handed to the
// supervisor as a WaitingRegistrar before the resolver can be built).
func (d *Detector) SetResolver(resolver SessionResolver) {
	d.mu.Lock()
	d.resolver = resolver
	d.mu.Unlock()
}

// Stop unsubscribes from the bus and tears down every actor.
func (d *Detector) Stop() {
	d.bus.Unsubscribe(d.busEvents)
	<-d.stopped
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, a := range d.actors {
		a.stop()
		delete(d.actors, id)
	}
}

func (d *Detector) consumeBus() {
	defer close(d.stopped)
	for ev := range d.busEvents {
		switch ev.Kind {
		case eventbus.KindSessionOutput:
			if p, ok := ev.Payload.(eventbus.SessionOutput); ok {
				d.handleOutput(p.SessionID, p.Lines)
			}
		case eventbus.KindClaudeStateChange:
			if p, ok := ev.Payload.(eventbus.ClaudeStateChange); ok {
				d.handleClaudeState(p.SessionID, p.New)
			}
		}
	}
}

// Register starts a session's actor. Called by the Session Supervisor
// when a session enters the registry.
func (d *Detector) Register(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.actors[sessionID]; exists {
		return
	}
	a := newSessionActor(sessionID, d.cfg, d.bus)
	d.actors[sessionID] = a
	go a.run()
}

// Unregister cancels all timers, drops pending signals, and removes the
// entry for sessionID.
func (d *Detector) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, exists := d.actors[sessionID]
	if !exists {
		return
	}
	delete(d.actors, sessionID)
	a.stop()
}

func (d *Detector) actorFor(sessionID string) (*sessionActor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[sessionID]
	return a, ok
}

// handleClaudeState translates a claude:stateChange into a waiting
// signal per the mapping in spec.md §4.F.2.
func (d *Detector) handleClaudeState(sessionID, newState string) {
	a, ok := d.actorFor(sessionID)
	if !ok {
		return
	}
	switch newState {
	case "waiting_approval":
		a.send(signal{waiting: true, reason: "permission_prompt"})
	case "context_exhausted":
		a.send(signal{waiting: true, reason: "context_exhausted"})
	case "completed":
		a.send(signal{waiting: false, reason: "stopped"})
	case "active":
		a.send(signal{waiting: false, reason: "unknown"})
	}
}

// handleOutput runs pattern matching against freshly captured output
// lines.
func (d *Detector) handleOutput(sessionID string, lines []string) {
	a, ok := d.actorFor(sessionID)
	if !ok {
		return
	}
	if d.patterns.matchImmediate(lines) {
		a.send(signal{waiting: true, reason: "permission_prompt"})
		return
	}
	if d.patterns.matchQuestion(lines) {
		a.send(signal{deferred: true})
		return
	}
	a.send(signal{clearable: true})
}

// HandleHookEvent resolves a hook payload to an internal session and
// translates it into a waiting signal.
func (d *Detector) HandleHookEvent(ctx context.Context, ev HookEvent) {
	sessionID := ev.SessionID
	if sessionID == "" && ev.Cwd != "" {
		if id, ok := d.resolver.ResolveByCwd(ctx, ev.Cwd); ok {
			sessionID = id
		}
	}
	if sessionID == "" {
		d.mu.Lock()
		n := len(d.actors)
		var only string
		for id := range d.actors {
			only = id
		}
		d.mu.Unlock()
		if n == 1 {
			sessionID = only
		}
	}
	if sessionID == "" {
		if id, ok := d.resolver.AnyRecentSession(ctx); ok {
			sessionID = id
			d.logger.Warn("waiting: hook event resolved via any-recent-session fallback", "event", ev.Event)
		}
	}
	if sessionID == "" {
		d.logger.Warn("waiting: hook event could not be resolved to a session", "event", ev.Event)
		return
	}

	a, ok := d.actorFor(sessionID)
	if !ok {
		return
	}

	switch ev.Event {
	case "Stop":
		a.send(signal{waiting: false, reason: "stopped"})
	case "Notification":
		reason := classifyNotification(ev.NotificationType, ev.Matcher)
		a.send(signal{waiting: true, reason: reason})
	}
}

func classifyNotification(notificationType, matcher string) string {
	switch notificationType {
	case "permission_prompt", "permission":
		return "permission_prompt"
	case "idle_prompt", "idle":
		return "idle_prompt"
	default:
		if matcher != "" {
			return "idle_prompt"
		}
		return "unknown"
	}
}
