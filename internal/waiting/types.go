// Package waiting is the Waiting Detector: it produces a single
// authoritative per-session `waiting` boolean by consolidating hook
// events, JSONL agent-state changes, and output pattern matches.
package waiting

import (
	"context"
	"regexp"
	"time"
)

const (
	defaultDebounce    = 150 * time.Millisecond
	defaultClearDelay  = 2 * time.Second
	defaultIdleSeconds = 30 * time.Second
)

// Config tunes the detector's timers and patterns.
type Config struct {
	ImmediatePatterns []string // mark waiting instantly on match (permission_prompt)
	QuestionPatterns  []string // arm a deferred idle-threshold check (question)
	Debounce          time.Duration
	ClearDelay        time.Duration
	IdleThreshold     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	if c.ClearDelay <= 0 {
		c.ClearDelay = defaultClearDelay
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleSeconds
	}
	return c
}

type compiledPatterns struct {
	immediate []*regexp.Regexp
	question  []*regexp.Regexp
}

func compile(c Config) compiledPatterns {
	cp := compiledPatterns{}
	for _, p := range c.ImmediatePatterns {
		if re, err := regexp.Compile(p); err == nil {
			cp.immediate = append(cp.immediate, re)
		}
	}
	for _, p := range c.QuestionPatterns {
		if re, err := regexp.Compile(p); err == nil {
			cp.question = append(cp.question, re)
		}
	}
	return cp
}

// signal is one consolidated input to a session's actor.
type signal struct {
	waiting bool
	reason  string
	// deferred marks a question-pattern match: the actor arms an
	// idle-threshold timer instead of transitioning immediately.
	deferred bool
	// clearable marks output received while waiting=true, scheduling a
	// clear after ClearDelay unless superseded.
	clearable bool
}

// HookEvent is the payload delivered to HandleHookEvent.
type HookEvent struct {
	Event            string // "Stop", "Notification", ...
	SessionID        string
	Cwd              string
	TranscriptPath   string
	NotificationType string
	Matcher          string
}

// SessionResolver resolves a hook payload lacking an explicit session id
// to an internal session, per the resolution order in spec.md §4.F.
type SessionResolver interface {
	ResolveByCwd(ctx context.Context, cwd string) (sessionID string, ok bool)
	AnyRecentSession(ctx context.Context) (sessionID string, ok bool)
}
