// Package contextmon is the Context Monitor: it tails a session's agent
// transcript file and derives two observable signals, context usage
// percent and agent state, publishing them on the event bus.
package contextmon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/watchloop/agentsup/internal/eventbus"
)

const (
	defaultDebounce  = 500 * time.Millisecond
	defaultThreshold = 20
	pollFallback     = 1 * time.Second
)

// PathResolver resolves a session's transcript path when the caller does
// not supply one explicitly: the newest *.jsonl file under the project's
// Claude directory.
type PathResolver interface {
	ResolveTranscriptPath(ctx context.Context, sessionID, projectID string) (string, error)
}

// ContextPersister is the best-effort sink for the Session.contextPercent
// field; failures are logged, never fatal.
type ContextPersister interface {
	UpdateSessionContextPercent(ctx context.Context, sessionID string, pct int) error
}

// StartParams configures StartMonitoring.
type StartParams struct {
	SessionID      string
	TranscriptPath string // explicit path; takes precedence over ProjectID resolution
	ProjectID      string
	Threshold      int // percent remaining at which context:threshold fires; 0 uses the monitor default
}

type monitoredSession struct {
	sessionID         string
	transcriptPath    string
	filePosition      int64
	contextPercent    int
	totalTokens       int
	claudeState       ClaudeState
	thresholdNotified bool
	threshold         int

	watcher  *fsnotify.Watcher
	done     chan struct{}
	signals  chan struct{}
	debounceMu sync.Mutex
	debounce *time.Timer
}

// Monitor is the Context Monitor described in spec.md §4.E.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*monitoredSession

	bus       *eventbus.Bus
	resolver  PathResolver
	persister ContextPersister
	logger    *slog.Logger
	debounce  time.Duration
}

// New constructs a Monitor.
func New(bus *eventbus.Bus, resolver PathResolver, persister ContextPersister, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sessions:  make(map[string]*monitoredSession),
		bus:       bus,
		resolver:  resolver,
		persister: persister,
		logger:    logger,
		debounce:  defaultDebounce,
	}
}

// StartMonitoring begins tailing a session's transcript. Replays existing
// content to establish the current state before watching for appends.
func (m *Monitor) StartMonitoring(ctx context.Context, p StartParams) error {
	m.mu.Lock()
	if _, exists := m.sessions[p.SessionID]; exists {
		m.mu.Unlock()
		return ErrSessionAlreadyMonitored
	}
	m.mu.Unlock()

	path := p.TranscriptPath
	if path == "" {
		resolved, err := m.resolver.ResolveTranscriptPath(ctx, p.SessionID, p.ProjectID)
		if err != nil {
			return ErrTranscriptNotFound
		}
		path = resolved
	}

	threshold := p.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}

	ms := &monitoredSession{
		sessionID:      p.SessionID,
		transcriptPath: path,
		claudeState:    StateUnknown,
		threshold:      threshold,
		done:           make(chan struct{}),
		signals:        make(chan struct{}, 1),
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrTranscriptNotFound
	}
	defer f.Close()
	info, err := f.Stat()
	if err == nil {
		ms.replay(f)
		ms.filePosition = info.Size()
	}

	m.mu.Lock()
	m.sessions[p.SessionID] = ms
	m.mu.Unlock()

	m.publish(ms, StateUnknown, true, ms.claudeState != StateUnknown)

	go m.run(ms)
	return nil
}

// StopMonitoring cancels the watcher and clears state for sessionID.
func (m *Monitor) StopMonitoring(sessionID string) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	close(ms.done)
}

// replay consumes every existing record to establish lastUsage and state
// without publishing events (the initial publish after StartMonitoring
// covers this).
func (ms *monitoredSession) replay(r io.Reader) {
	for _, e := range readEntries(r) {
		ms.apply(e)
	}
}

// apply folds one entry into the monitored state. Only the last usage
// record determines context; unknown never overwrites a known state.
func (ms *monitoredSession) apply(e TranscriptEntry) (pctChanged bool) {
	if e.Usage != nil {
		total := totalTokens(e.Usage)
		pct := contextPercent(total)
		if pct != ms.contextPercent {
			pctChanged = true
		}
		if pct < ms.contextPercent {
			ms.thresholdNotified = false
		}
		ms.contextPercent = pct
		ms.totalTokens = total
	}
	if st := detectState(e); st != StateUnknown {
		ms.claudeState = st
	}
	return pctChanged
}

func (m *Monitor) run(ms *monitoredSession) {
	watcher, err := fsnotify.NewWatcher()
	var useFallback bool
	if err != nil || watcher.Add(ms.transcriptPath) != nil {
		useFallback = true
	} else {
		ms.watcher = watcher
		defer watcher.Close()
	}

	var ticker *time.Ticker
	if useFallback {
		ticker = time.NewTicker(pollFallback)
		defer ticker.Stop()
	}

	for {
		select {
		case <-ms.done:
			return
		case <-ms.signals:
			m.readAndPublish(ms)
		case <-tickerC(ticker):
			ms.scheduleSignal(m.debounce)
		case event, ok := <-watcherEvents(watcher):
			if !ok {
				return
			}
			if event.Name == ms.transcriptPath {
				ms.scheduleSignal(m.debounce)
			}
		case _, ok := <-watcherErrors(watcher):
			if !ok {
				return
			}
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func watcherErrors(w *fsnotify.Watcher) chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}

func (ms *monitoredSession) scheduleSignal(debounce time.Duration) {
	ms.debounceMu.Lock()
	defer ms.debounceMu.Unlock()
	if ms.debounce != nil {
		ms.debounce.Stop()
	}
	ms.debounce = time.AfterFunc(debounce, func() {
		select {
		case ms.signals <- struct{}{}:
		default:
		}
	})
}

func (m *Monitor) readAndPublish(ms *monitoredSession) {
	f, err := os.Open(ms.transcriptPath)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(ms.filePosition, io.SeekStart); err != nil {
		return
	}

	prevState := ms.claudeState

	var pctChanged bool
	for _, e := range readEntries(f) {
		if ms.apply(e) {
			pctChanged = true
		}
	}
	if pos, err := f.Seek(0, io.SeekCurrent); err == nil {
		ms.filePosition = pos
	}

	m.publish(ms, prevState, pctChanged, ms.claudeState != prevState)
}

// publish emits context:update, context:threshold and claude:stateChange
// per the rules in spec.md §4.E, and best-effort persists contextPercent.
func (m *Monitor) publish(ms *monitoredSession, prevState ClaudeState, pctChanged, stateChanged bool) {
	now := time.Now()
	if pctChanged {
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindContextUpdate, Payload: eventbus.ContextUpdate{
			SessionID: ms.sessionID, ContextPercent: ms.contextPercent, TotalTokens: ms.totalTokens, At: now,
		}})
		if err := m.persister.UpdateSessionContextPercent(context.Background(), ms.sessionID, ms.contextPercent); err != nil {
			m.logger.Warn("contextmon: persist context percent failed", "session", ms.sessionID, "err", err)
		}

		remaining := 100 - ms.contextPercent
		if remaining <= ms.threshold && !ms.thresholdNotified {
			ms.thresholdNotified = true
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindContextThreshold, Payload: eventbus.ContextThreshold{
				SessionID: ms.sessionID, ContextPercent: ms.contextPercent, Threshold: ms.threshold, At: now,
			}})
		}
	}
	if stateChanged {
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindClaudeStateChange, Payload: eventbus.ClaudeStateChange{
			SessionID: ms.sessionID, Previous: string(prevState), New: string(ms.claudeState), At: now,
		}})
	}
}
