package ptybridge

import "fmt"

// ErrSessionNotFound means the referenced session is unknown to the
// caller supplying pane lookups.
var ErrSessionNotFound = fmt.Errorf("ptybridge: session not found")

// ErrInvalidPane means the session's pane id is a placeholder or the pane
// is dead.
var ErrInvalidPane = fmt.Errorf("ptybridge: invalid pane")

// ErrAlreadyAttached means attach was called twice for the same
// connection id without an intervening detach.
var ErrAlreadyAttached = fmt.Errorf("ptybridge: already attached")

// ErrPtyUnavailable means no native PTY is usable on this host.
var ErrPtyUnavailable = fmt.Errorf("ptybridge: pty unavailable")

// ErrPtyNotAttached means write/resize/detach was called for a connection
// with no active attachment.
var ErrPtyNotAttached = fmt.Errorf("ptybridge: pty not attached")
