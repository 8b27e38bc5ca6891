package store

import "errors"

// Sentinel errors matching spec.md §7's error kinds: BadKey, BadUuid,
// Inconsistent, Closed, plus NotFound for lookups that legitimately find
// nothing. Callers use errors.Is against these rather than string matching.
var (
	ErrBadKey       = errors.New("store: key is not exactly 32 bytes")
	ErrBadUUID      = errors.New("store: malformed uuid reference")
	ErrInconsistent = errors.New("store: patch violates a schema invariant")
	ErrClosed       = errors.New("store: store is closed")
	ErrNotFound     = errors.New("store: not found")
)
