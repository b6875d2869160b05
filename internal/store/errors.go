package store

import "errors"

// ErrNotFound is returned by a Get when no row matches.
var ErrNotFound = errors.New("store: not found")
