package varystore

import (
	"errors"
	"fmt"
	"time"
)

// ErrAltKeysUnsupported is returned by InvalidateAltKeys when the configured
// backend does not implement AlternateKeyInvalidator. It is distinct from a
// backend failure so callers can fall back (e.g. to URL invalidation) or
// flag a configuration error.
var ErrAltKeysUnsupported = errors.New("varystore: backend does not support alternate-key invalidation")

// InvariantError reports metadata that violates created <= expires <= grace.
// It is a caller error raised by Put before the backend is touched; nothing
// malformed is ever persisted.
type InvariantError struct {
	Reason  string
	Created time.Time
	Expires time.Time
	Grace   time.Time
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("varystore: invalid metadata: %s (created=%s expires=%s grace=%s)",
		e.Reason,
		e.Created.Format(time.RFC3339Nano),
		e.Expires.Format(time.RFC3339Nano),
		e.Grace.Format(time.RFC3339Nano))
}
