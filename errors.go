package harness

import (
	"errors"
	"fmt"
)

// Stable failure kinds carried on command.failed envelopes. Clients match
// on these strings to decide whether to recover or surface the error.
const (
	KindSessionNotFound  = "session-not-found"
	KindSessionNotLive   = "session-not-live"
	KindNotController    = "not-controller"
	KindUnknownCommand   = "unknown-command"
	KindInvalidArgument  = "invalid-argument"
	KindDirectoryMissing = "directory-not-found"
	KindTaskNotFound     = "task-not-found"
	KindInternal         = "internal"
)

// Error is a protocol-visible failure with a stable kind string.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf builds an *Error with a formatted message.
func Errf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the stable kind from err, or "internal" for anything
// that is not an *Error.
func KindOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindInternal
}
