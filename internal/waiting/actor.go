package waiting

import (
	"time"

	"github.com/watchloop/agentsup/internal/eventbus"
)

// sessionActor is the single logical actor for one session's waiting
// state: all timers and emissions for a session happen on this goroutine,
// so no locking is needed on its fields. Different sessions run their own
// actor and proceed independently.
type sessionActor struct {
	sessionID string
	cfg       Config
	bus       *eventbus.Bus

	signals chan signal
	done    chan struct{}

	waiting      bool
	reason       string
	emitted      bool // whether any stateChange has been emitted yet
	lastEmitted  bool

	debounceTimer *time.Timer
	clearTimer    *time.Timer
	idleTimer     *time.Timer

	pending *signal
}

func newSessionActor(sessionID string, cfg Config, bus *eventbus.Bus) *sessionActor {
	return &sessionActor{
		sessionID: sessionID,
		cfg:       cfg,
		bus:       bus,
		signals:   make(chan signal, 32),
		done:      make(chan struct{}),
	}
}

func (a *sessionActor) stop() {
	close(a.done)
}

// send is safe to call from any goroutine; it never blocks the caller.
func (a *sessionActor) send(s signal) {
	select {
	case a.signals <- s:
	default:
		// Actor is backed up; drop rather than block the publisher. The
		// debounce window makes a single dropped signal harmless as long
		// as a later one supersedes it.
	}
}

func (a *sessionActor) run() {
	debounceFire := make(chan struct{}, 1)
	clearFire := make(chan struct{}, 1)
	idleFire := make(chan struct{}, 1)

	for {
		select {
		case <-a.done:
			a.stopTimers()
			return

		case s := <-a.signals:
			a.handleSignal(s, debounceFire, idleFire, clearFire)

		case <-debounceFire:
			a.emit()

		case <-idleFire:
			// Deferred question pattern: no output arrived within the
			// idle threshold, so it resolves to waiting=true.
			a.applyResolved(true, "question", debounceFire)

		case <-clearFire:
			if a.waiting {
				a.applyResolved(false, "unknown", debounceFire)
			}
		}
	}
}

func (a *sessionActor) handleSignal(s signal, debounceFire, idleFire, clearFire chan struct{}) {
	if s.deferred {
		a.armIdle(idleFire)
		return
	}
	if s.clearable {
		if a.waiting {
			a.armClear(clearFire)
		}
		return
	}

	a.pending = &s
	if s.waiting {
		a.cancelClear()
	}
	a.armDebounce(debounceFire)
}

func (a *sessionActor) applyResolved(waiting bool, reason string, debounceFire chan struct{}) {
	a.pending = &signal{waiting: waiting, reason: reason}
	a.armDebounce(debounceFire)
}

func (a *sessionActor) armDebounce(fire chan struct{}) {
	if a.debounceTimer != nil {
		a.debounceTimer.Stop()
	}
	a.debounceTimer = time.AfterFunc(a.cfg.Debounce, func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	})
}

func (a *sessionActor) armClear(fire chan struct{}) {
	if a.clearTimer != nil {
		a.clearTimer.Stop()
	}
	a.clearTimer = time.AfterFunc(a.cfg.ClearDelay, func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	})
}

func (a *sessionActor) cancelClear() {
	if a.clearTimer != nil {
		a.clearTimer.Stop()
		a.clearTimer = nil
	}
}

func (a *sessionActor) armIdle(fire chan struct{}) {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = time.AfterFunc(a.cfg.IdleThreshold, func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	})
}

func (a *sessionActor) stopTimers() {
	for _, t := range []*time.Timer{a.debounceTimer, a.clearTimer, a.idleTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// emit applies the pending signal and publishes waiting:stateChange only
// if the resolved value differs from the last emitted one.
func (a *sessionActor) emit() {
	if a.pending == nil {
		return
	}
	p := a.pending
	a.pending = nil
	a.waiting = p.waiting
	a.reason = p.reason

	if a.emitted && a.lastEmitted == a.waiting {
		return
	}
	a.emitted = true
	a.lastEmitted = a.waiting

	a.bus.Publish(eventbus.Event{Kind: eventbus.KindWaitingStateChange, Payload: eventbus.WaitingStateChange{
		SessionID: a.sessionID, Waiting: a.waiting, Reason: a.reason, At: time.Now(),
	}})
}
