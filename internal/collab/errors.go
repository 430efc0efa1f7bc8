package collab

import (
	"errors"

	"docsync/pkg/delta"
)

var (
	// ErrAccessDenied rejects a join. It has no effect on session state.
	ErrAccessDenied = errors.New("access denied")
	// ErrDocumentNotFound is terminal for the join that triggered the load.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrStorageUnavailable wraps transient store failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrMalformedDelta is returned for a delta the codec cannot apply.
	ErrMalformedDelta = delta.ErrMalformed
	// ErrCorruptDocument is returned for stored content that is not a valid document.
	ErrCorruptDocument = errors.New("stored document is corrupt")
	// ErrNotMember is returned when a connection submits to a session it has not joined.
	ErrNotMember = errors.New("connection is not a member of this session")
	// ErrSessionClosed is returned by a session that has already torn down.
	ErrSessionClosed = errors.New("session closed")
)
