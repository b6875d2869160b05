// Package supervisor is the Session Supervisor: it owns the in-memory
// registry of live agent sessions, is the sole mutator of a Session's
// status while it is live, and produces the session:stateChange and
// session:output event streams.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/mux"
	"github.com/watchloop/agentsup/internal/ringbuf"
	"github.com/watchloop/agentsup/internal/store"
)

const (
	completionSentinel = "when all ticket requirements are met, output exactly `---TASK_COMPLETE---` on its own line followed by a brief summary"

	defaultLivenessInterval = 2 * time.Second
	defaultCaptureInterval  = 1 * time.Second
	defaultCaptureLines     = 100
	defaultStopGrace        = 5 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	RingBufferCapacity int
	LivenessInterval   time.Duration
	CaptureInterval    time.Duration
	StopGrace          time.Duration
}

func (o Options) withDefaults() Options {
	if o.RingBufferCapacity <= 0 {
		o.RingBufferCapacity = ringbuf.DefaultCapacity
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = defaultLivenessInterval
	}
	if o.CaptureInterval <= 0 {
		o.CaptureInterval = defaultCaptureInterval
	}
	if o.StopGrace <= 0 {
		o.StopGrace = defaultStopGrace
	}
	return o
}

// Supervisor is the Session Supervisor described in spec.md §4.C.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*liveSession

	adapter  PaneAdapter
	store    *store.Store
	bus      *eventbus.Bus
	waiting  WaitingRegistrar
	projects ProjectResolver
	tickets  TicketResolver
	logger   *slog.Logger
	opts     Options

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Supervisor. Call Start to begin the periodic tasks and
// perform boot recovery.
func New(adapter PaneAdapter, st *store.Store, bus *eventbus.Bus, waiting WaitingRegistrar, projects ProjectResolver, tickets TicketResolver, logger *slog.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		sessions: make(map[string]*liveSession),
		adapter:  adapter,
		store:    st,
		bus:      bus,
		waiting:  waiting,
		projects: projects,
		tickets:  tickets,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// Start performs boot recovery and launches the liveness and output
// capture tickers in a single background goroutine (the "single-writer"
// model: no per-session goroutines for these periodic tasks).
func (sv *Supervisor) Start(ctx context.Context) error {
	if err := sv.recoverSessions(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel
	sv.done = make(chan struct{})
	go sv.run(runCtx)
	return nil
}

// Stop halts the periodic tasks and waits for the run loop to exit. It
// does not stop running sessions.
func (sv *Supervisor) Stop() {
	if sv.cancel != nil {
		sv.cancel()
		<-sv.done
	}
}

func (sv *Supervisor) run(ctx context.Context) {
	defer close(sv.done)
	liveness := time.NewTicker(sv.opts.LivenessInterval)
	capture := time.NewTicker(sv.opts.CaptureInterval)
	defer liveness.Stop()
	defer capture.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-liveness.C:
			sv.livenessTick(ctx)
		case <-capture.C:
			sv.captureTick(ctx)
		}
	}
}

// livenessTick checks every registered running session's pane; a dead
// pane transitions the session to completed within one poll.
func (sv *Supervisor) livenessTick(ctx context.Context) {
	sv.mu.Lock()
	sessions := make([]*liveSession, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		sessions = append(sessions, s)
	}
	sv.mu.Unlock()

	for _, s := range sessions {
		if s.getStatus() != store.SessionRunning {
			continue
		}
		if sv.adapter.IsPaneAlive(s.paneID) {
			continue
		}
		sv.finishSession(ctx, s, store.SessionCompleted)
	}
}

func (sv *Supervisor) finishSession(ctx context.Context, s *liveSession, status store.SessionStatus) {
	now := time.Now()
	if err := sv.store.UpdateSessionStatus(ctx, s.id, status, &now); err != nil {
		sv.logger.Error("supervisor: persist session completion failed", "id", s.id, "err", err)
	}
	s.setStatus(status)
	sv.waiting.Unregister(s.id)
	sv.mu.Lock()
	delete(sv.sessions, s.id)
	sv.mu.Unlock()

	sv.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionStateChange, Payload: eventbus.SessionStateChange{
		SessionID: s.id, Previous: string(store.SessionRunning), New: string(status), At: now,
	}})
	sv.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionExit, Payload: eventbus.SessionExit{SessionID: s.id, At: now}})
}

// captureTick captures the last N lines of every running session's pane,
// skipping republication when content is unchanged, and promotes any
// DB-resident running session with a valid pane that the registry does
// not yet know about (sessions created by external hooks).
func (sv *Supervisor) captureTick(ctx context.Context) {
	sv.mu.Lock()
	sessions := make([]*liveSession, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		sessions = append(sessions, s)
	}
	sv.mu.Unlock()

	for _, s := range sessions {
		if s.getStatus() != store.SessionRunning {
			continue
		}
		content, err := sv.adapter.CapturePane(s.paneID, mux.CaptureOptions{Lines: defaultCaptureLines})
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		h := hashLines(lines)
		s.mu.Lock()
		unchanged := h == s.lastCaptureHash
		s.lastCaptureHash = h
		s.mu.Unlock()
		if unchanged {
			continue
		}
		s.scrollback.PushAll(lines)
		sv.bus.Publish(eventbus.Event{Kind: eventbus.KindSessionOutput, Payload: eventbus.SessionOutput{
			SessionID: s.id, Lines: lines, At: time.Now(),
		}})
	}

	sv.promoteOrphanedRunning(ctx)
}

// promoteOrphanedRunning rehydrates sessions the database reports as
// running but that are not in the in-memory registry, e.g. rows created
// directly by an external hook payload.
func (sv *Supervisor) promoteOrphanedRunning(ctx context.Context) {
	rows, err := sv.store.ListLiveSessions(ctx)
	if err != nil {
		sv.logger.Warn("supervisor: list live sessions failed", "err", err)
		return
	}
	for _, row := range rows {
		if row.Status != store.SessionRunning || row.PaneID == "" {
			continue
		}
		sv.mu.Lock()
		_, known := sv.sessions[row.ID]
		sv.mu.Unlock()
		if known {
			continue
		}
		if !sv.adapter.IsPaneAlive(row.PaneID) {
			continue
		}
		ls := newLiveSession(row.ID, row.ProjectID, row.TicketID, row.PaneID, sv.opts.RingBufferCapacity)
		sv.mu.Lock()
		sv.sessions[row.ID] = ls
		sv.mu.Unlock()
		sv.waiting.Register(row.ID)
	}
}

// recoverSessions runs at startup: every row with status running or
// paused is rehydrated into the registry if its pane is alive, otherwise
// marked completed.
func (sv *Supervisor) recoverSessions(ctx context.Context) error {
	rows, err := sv.store.ListLiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: recover sessions: %w", err)
	}
	for _, row := range rows {
		if row.PaneID != "" && sv.adapter.IsPaneAlive(row.PaneID) {
			ls := newLiveSession(row.ID, row.ProjectID, row.TicketID, row.PaneID, sv.opts.RingBufferCapacity)
			sv.mu.Lock()
			sv.sessions[row.ID] = ls
			sv.mu.Unlock()
			sv.waiting.Register(row.ID)
			continue
		}
		now := time.Now()
		if err := sv.store.UpdateSessionStatus(ctx, row.ID, store.SessionCompleted, &now); err != nil {
			sv.logger.Error("supervisor: mark orphan completed failed", "id", row.ID, "err", err)
		}
	}
	return nil
}

// SyncSessions re-applies recovery at any time: alive panes are retained,
// orphans transition to completed with a published stateChange.
func (sv *Supervisor) SyncSessions(ctx context.Context, projectID string) error {
	sv.mu.Lock()
	sessions := make([]*liveSession, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		if projectID == "" || s.projectID == projectID {
			sessions = append(sessions, s)
		}
	}
	sv.mu.Unlock()
	for _, s := range sessions {
		if s.getStatus() != store.SessionRunning {
			continue
		}
		if !sv.adapter.IsPaneAlive(s.paneID) {
			sv.finishSession(ctx, s, store.SessionCompleted)
		}
	}
	return sv.recoverSessions(ctx)
}

func newSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
