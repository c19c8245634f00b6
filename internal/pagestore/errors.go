package pagestore

import "errors"

// Sentinel errors surfaced by the page store. internal/dispatch maps
// these onto the wire protocol's numeric status codes.
var (
	ErrCorrupt  = errors.New("pagestore: corrupt page")
	ErrIO       = errors.New("pagestore: io error")
	ErrDiskFull = errors.New("pagestore: disk full")
	ErrClosed   = errors.New("pagestore: file closed")
	ErrNoSpace  = errors.New("pagestore: page cache exhausted")
)
