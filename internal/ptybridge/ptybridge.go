// Package ptybridge is the PTY Bridge: it gives each realtime client its
// own pseudo-terminal attached to a session's tmux pane, so keystrokes and
// output flow with low latency outside the supervisor's 1 Hz capture loop.
package ptybridge

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty/v2"

	"github.com/watchloop/agentsup/internal/mux"
)

// PaneResolver resolves a session id to its current pane id and reports
// pane liveness, without the bridge needing to know how sessions are
// tracked.
type PaneResolver interface {
	PaneID(sessionID string) (paneID string, ok bool)
	IsPaneAlive(paneID string) bool
}

// PaneAdapter is the subset of the Terminal Multiplexer Adapter needed to
// attach a PTY to a pane.
type PaneAdapter interface {
	SelectPane(paneID string) error
	AttachCommand(paneID string) (*exec.Cmd, error)
}

// Sink receives the two observable streams a bridged connection produces.
type Sink interface {
	OnPTYData(connectionID string, data []byte)
	OnPTYExit(connectionID string)
}

// AttachOptions configures Attach.
type AttachOptions struct {
	Cols uint16
	Rows uint16
}

type attachment struct {
	mu   sync.Mutex
	ptmx *os.File
	cmd  *exec.Cmd
}

// Bridge is the PTY Bridge described in spec.md §4.D.
type Bridge struct {
	mu          sync.Mutex
	attachments map[string]*attachment

	sessions PaneResolver
	adapter  PaneAdapter
	sink     Sink
	logger   *slog.Logger
}

// New constructs a Bridge.
func New(sessions PaneResolver, adapter PaneAdapter, sink Sink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		attachments: make(map[string]*attachment),
		sessions:    sessions,
		adapter:     adapter,
		sink:        sink,
		logger:      logger,
	}
}

// IsAvailable reports whether a native PTY is usable on this host.
func (b *Bridge) IsAvailable() bool {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return false
	}
	ptmx.Close()
	tty.Close()
	return true
}

// Attach spawns one child process attaching a fresh PTY to the session's
// pane. Bytes read from the PTY are delivered to the sink as pty:data
// until the child exits, at which point the sink receives pty:exit.
func (b *Bridge) Attach(connectionID, sessionID string, opts AttachOptions) (cols, rows uint16, err error) {
	paneID, ok := b.sessions.PaneID(sessionID)
	if !ok {
		return 0, 0, ErrSessionNotFound
	}
	if !strings.HasPrefix(paneID, mux.PaneIDPrefix) || !b.sessions.IsPaneAlive(paneID) {
		return 0, 0, ErrInvalidPane
	}

	b.mu.Lock()
	if _, exists := b.attachments[connectionID]; exists {
		b.mu.Unlock()
		return 0, 0, ErrAlreadyAttached
	}
	b.mu.Unlock()

	if err := b.adapter.SelectPane(paneID); err != nil {
		return 0, 0, fmt.Errorf("ptybridge: select pane: %w", err)
	}
	cmd, err := b.adapter.AttachCommand(paneID)
	if err != nil {
		return 0, 0, fmt.Errorf("ptybridge: attach command: %w", err)
	}

	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 36
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return 0, 0, ErrPtyUnavailable
	}

	at := &attachment{ptmx: ptmx, cmd: cmd}
	b.mu.Lock()
	b.attachments[connectionID] = at
	b.mu.Unlock()

	go b.readLoop(connectionID, at)

	return opts.Cols, opts.Rows, nil
}

func (b *Bridge) readLoop(connectionID string, at *attachment) {
	buf := make([]byte, 32*1024)
	for {
		n, err := at.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.sink.OnPTYData(connectionID, chunk)
		}
		if err != nil {
			if err != io.EOF {
				b.logger.Debug("ptybridge: pty read error", "connection", connectionID, "err", err)
			}
			break
		}
	}
	b.mu.Lock()
	delete(b.attachments, connectionID)
	b.mu.Unlock()
	at.ptmx.Close()
	b.sink.OnPTYExit(connectionID)
}

// Write sends bytes to the connection's PTY in order.
func (b *Bridge) Write(connectionID string, data []byte) error {
	b.mu.Lock()
	at, ok := b.attachments[connectionID]
	b.mu.Unlock()
	if !ok {
		return ErrPtyNotAttached
	}
	at.mu.Lock()
	defer at.mu.Unlock()
	_, err := at.ptmx.Write(data)
	return err
}

// Resize forwards the equivalent of SIGWINCH to the connection's PTY.
func (b *Bridge) Resize(connectionID string, cols, rows uint16) error {
	b.mu.Lock()
	at, ok := b.attachments[connectionID]
	b.mu.Unlock()
	if !ok {
		return ErrPtyNotAttached
	}
	return pty.Setsize(at.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Detach terminates the connection's attach child and removes the
// mapping.
func (b *Bridge) Detach(connectionID string) error {
	b.mu.Lock()
	at, ok := b.attachments[connectionID]
	delete(b.attachments, connectionID)
	b.mu.Unlock()
	if !ok {
		return ErrPtyNotAttached
	}
	if at.cmd != nil && at.cmd.Process != nil {
		_ = at.cmd.Process.Kill()
	}
	at.ptmx.Close()
	return nil
}

// IsAttached reports whether connectionID currently has a live PTY.
func (b *Bridge) IsAttached(connectionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.attachments[connectionID]
	return ok
}
