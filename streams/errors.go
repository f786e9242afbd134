package streams

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error taxonomy entries the store surfaces.
// Construction-time configuration errors (ConfigMissing) and programmer
// errors are the only ones thrown eagerly; everything else is returned.
type Kind string

const (
	KindInvalidSession         Kind = "invalid_session"
	KindSessionTimeout         Kind = "session_timeout"
	KindCancelled              Kind = "cancelled"
	KindVersionNotFound        Kind = "version_not_found"
	KindIdempotencyNotFound    Kind = "idempotency_not_found"
	KindSnapshotVersionNotFound Kind = "snapshot_version_not_found"
	KindVersionMismatch        Kind = "version_mismatch"
	KindDuplicateIdempotency   Kind = "duplicate_idempotency"
	KindDuplicateOnDisk        Kind = "duplicate_on_disk"
	KindBadArgument            Kind = "bad_argument"
	KindConfigMissing          Kind = "config_missing"
	KindIoFailure              Kind = "io_failure"
)

// Error is the concrete error type returned by every Provider and Handle
// operation that can fail for a reason in the taxonomy. The zero-value
// fields not relevant to a given Kind are left unset.
type Error struct {
	Kind     Kind
	Message  string
	Cause    error
	Expected uint64 // VersionMismatch
	Actual   uint64 // VersionMismatch
	Existing uint64 // DuplicateIdempotency
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("streams: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("streams: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so callers can
// use errors.Is(err, &streams.Error{Kind: streams.KindVersionNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: errors.Wrap(cause, string(kind))}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

func ErrVersionMismatch(expected, actual uint64) *Error {
	return &Error{
		Kind:     KindVersionMismatch,
		Message:  fmt.Sprintf("expected version %d, got %d", expected, actual),
		Expected: expected,
		Actual:   actual,
	}
}

func ErrDuplicateIdempotency(existing uint64) *Error {
	return &Error{
		Kind:     KindDuplicateIdempotency,
		Message:  fmt.Sprintf("idempotency key already used at version %d", existing),
		Existing: existing,
	}
}

func ErrBadArgument(format string, args ...any) *Error {
	return newError(KindBadArgument, fmt.Sprintf(format, args...))
}

func ErrInvalidSession(message string) *Error {
	return newError(KindInvalidSession, message)
}

func ErrSessionTimeout(streamID string) *Error {
	return newError(KindSessionTimeout, fmt.Sprintf("timed out acquiring session for stream %q", streamID))
}

func ErrCancelled() *Error {
	return newError(KindCancelled, "operation cancelled")
}

func ErrVersionNotFound(version uint64) *Error {
	return newError(KindVersionNotFound, fmt.Sprintf("no item at version %d", version))
}

func ErrIdempotencyNotFound(key string) *Error {
	return newError(KindIdempotencyNotFound, fmt.Sprintf("no item for idempotency key %q", key))
}

func ErrSnapshotVersionNotFound(version uint64) *Error {
	return newError(KindSnapshotVersionNotFound, fmt.Sprintf("no snapshot at version %d", version))
}

func ErrDuplicateOnDisk(streamID, glob string) *Error {
	return newError(KindDuplicateOnDisk, fmt.Sprintf("stream %q: more than one file matched %q", streamID, glob))
}

func ErrConfigMissing(setting string) *Error {
	return newError(KindConfigMissing, fmt.Sprintf("required setting %q is unset", setting))
}

func ErrIoFailure(cause error, format string, args ...any) *Error {
	return wrapError(KindIoFailure, cause, format, args...)
}
