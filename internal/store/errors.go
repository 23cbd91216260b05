package store

import "errors"

// ErrNotFound is returned when a workflow, run or step lookup misses.
var ErrNotFound = errors.New("store: not found")
