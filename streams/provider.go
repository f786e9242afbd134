package streams

import (
	"context"
	"time"
)

// Provider is the low-level, per-stream primitive contract shared by every
// storage backend (in-memory, file, Badger, Redis). Every operation except
// OpenSession requires a session id, validated against the backend's
// current active session for the addressed stream; a mismatch or expiry
// surfaces as KindInvalidSession.
//
// A single session is single-client by contract: callers do not issue
// concurrent operations under the same session id. Serializing calls within
// a session is the caller's responsibility; the Provider only arbitrates
// across sessions.
type Provider[T any] interface {
	// OpenSession acquires exclusive, time-limited access to streamID.
	// It retries while another non-expired session holds the stream, up to
	// timeout (falling back to the backend's configured lock timeout when
	// timeout is zero), and fails with KindSessionTimeout if none could be
	// acquired in time. ctx cancellation aborts the retry loop with
	// KindCancelled.
	OpenSession(ctx context.Context, streamID string, timeout time.Duration) (sessionID string, err error)

	// CloseSession releases a session. Closing an unknown or already-expired
	// session is idempotent and returns nil.
	CloseSession(ctx context.Context, sessionID, streamID string) error

	// GetVersion returns the current max version of streamID, or 0 if the
	// stream has no items.
	GetVersion(ctx context.Context, sessionID, streamID string) (uint64, error)

	// GetByVersion returns the item at the given version, or
	// KindVersionNotFound.
	GetByVersion(ctx context.Context, sessionID, streamID string, version uint64) (Item[T], error)

	// GetByIdempotency returns the item with the given idempotency key, or
	// KindIdempotencyNotFound.
	GetByIdempotency(ctx context.Context, sessionID, streamID, key string) (Item[T], error)

	// Append writes item, which must carry version == current+1. A
	// duplicate idempotency key fails with KindDuplicateIdempotency; a
	// version that does not equal current+1 fails with
	// KindVersionMismatch.
	Append(ctx context.Context, sessionID, streamID string, item Item[T]) error

	// AppendWithIdempotency assigns the next version atomically and writes
	// payload under key. Same duplicate-key failure mode as Append.
	AppendWithIdempotency(ctx context.Context, sessionID, streamID, key string, payload T) (Item[T], error)

	// GetSnapshotVersions returns the ascending sequence of versions that
	// have a snapshot, empty if none.
	GetSnapshotVersions(ctx context.Context, sessionID, streamID string) ([]uint64, error)

	// GetSnapshot returns the snapshot item at version v, or
	// KindSnapshotVersionNotFound.
	GetSnapshot(ctx context.Context, sessionID, streamID string, version uint64) (Item[T], error)

	// SetSnapshot overwrites any existing snapshot at item.Version. Fails
	// with KindBadArgument if item.Version is 0 or exceeds the current
	// version.
	SetSnapshot(ctx context.Context, sessionID, streamID string, item Item[T]) error

	// RemoveSnapshot removes the snapshot at v. Idempotent.
	RemoveSnapshot(ctx context.Context, sessionID, streamID string, version uint64) error
}
