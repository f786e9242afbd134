package streams

import (
	"context"
	"sync"
	"time"
)

// AppendItem is a caller-supplied (idempotency key, payload) pair submitted
// to Handle.Append; the Handle assigns the version.
type AppendItem[T any] struct {
	IdempotencyKey string
	Payload        T
}

type handleState int32

const (
	stateFresh handleState = iota
	stateOpen
	stateClosed
)

// Handle is the high-level per-stream facade layered on a Provider. It
// hides session management: the first operation lazily opens a session,
// and every later operation on the same Handle reuses it until Close.
//
// State machine: Fresh -> Open (after the first operation acquires a
// session) -> Closed (after explicit Close or disposal). Operations on a
// Closed Handle fail with KindInvalidSession.
type Handle[T any] struct {
	mu          sync.Mutex
	provider    Provider[T]
	streamID    string
	lockTimeout time.Duration

	state     handleState
	sessionID string
}

func newHandle[T any](provider Provider[T], streamID string, lockTimeout time.Duration) *Handle[T] {
	return &Handle[T]{provider: provider, streamID: streamID, lockTimeout: lockTimeout}
}

// ensureSession opens a session on first use and returns it on every
// subsequent call, short-circuiting once the Handle is Closed.
func (h *Handle[T]) ensureSession(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateClosed:
		return "", ErrInvalidSession("handle is closed")
	case stateOpen:
		return h.sessionID, nil
	}

	sessionID, err := h.provider.OpenSession(ctx, h.streamID, h.lockTimeout)
	if err != nil {
		return "", err
	}
	h.sessionID = sessionID
	h.state = stateOpen
	return sessionID, nil
}

// Close releases the Handle's session, if one was ever opened, and
// transitions it to Closed. Idempotent.
func (h *Handle[T]) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateOpen {
		h.state = stateClosed
		return nil
	}
	err := h.provider.CloseSession(ctx, h.sessionID, h.streamID)
	h.state = stateClosed
	return err
}

// Version returns the stream's current version.
func (h *Handle[T]) Version(ctx context.Context) (uint64, error) {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	return h.provider.GetVersion(ctx, sessionID, h.streamID)
}

// Append writes items in order, assigning each the next dense version.
// The batch is not atomic: on the k-th item's failure, items 1..k-1 remain
// persisted (see the file backend's non-atomic write). Callers detect
// partial progress via Version.
func (h *Handle[T]) Append(ctx context.Context, items []AppendItem[T]) (uint64, error) {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	return h.appendFrom(ctx, sessionID, items, nil)
}

// AppendExpected behaves like Append but first verifies the stream's
// current version equals expectedVersion, failing fast with
// KindVersionMismatch before writing anything if it does not.
func (h *Handle[T]) AppendExpected(ctx context.Context, items []AppendItem[T], expectedVersion uint64) (uint64, error) {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	return h.appendFrom(ctx, sessionID, items, &expectedVersion)
}

func (h *Handle[T]) appendFrom(ctx context.Context, sessionID string, items []AppendItem[T], expectedVersion *uint64) (uint64, error) {
	current, err := h.provider.GetVersion(ctx, sessionID, h.streamID)
	if err != nil {
		return 0, err
	}
	if expectedVersion != nil && current != *expectedVersion {
		return current, ErrVersionMismatch(*expectedVersion, current)
	}

	for _, ai := range items {
		if err := ctx.Err(); err != nil {
			return current, ErrCancelled()
		}
		if ai.IdempotencyKey == "" {
			return current, ErrBadArgument("idempotency key must not be empty")
		}
		next := current + 1
		item := Item[T]{IdempotencyKey: ai.IdempotencyKey, Version: next, Payload: ai.Payload}
		if err := h.provider.Append(ctx, sessionID, h.streamID, item); err != nil {
			return current, err
		}
		current = next
	}
	return current, nil
}

// ReadAll replays the whole stream. When useSnapshot is true and a
// snapshot exists at version s <= current, the result is
// [snapshot_s] ++ items[s+1..current]; otherwise it is items[1..current].
// Version is always the stream's current version.
func (h *Handle[T]) ReadAll(ctx context.Context, useSnapshot bool) (StreamResult[T], error) {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return StreamResult[T]{}, err
	}

	current, err := h.provider.GetVersion(ctx, sessionID, h.streamID)
	if err != nil {
		return StreamResult[T]{}, err
	}

	if useSnapshot {
		snapVersion, err := h.latestSnapshotVersion(ctx, sessionID, current)
		if err != nil {
			return StreamResult[T]{}, err
		}
		if snapVersion > 0 {
			snapItem, err := h.provider.GetSnapshot(ctx, sessionID, h.streamID, snapVersion)
			if err != nil {
				return StreamResult[T]{}, err
			}
			tail, err := h.readRange(ctx, sessionID, snapVersion+1, current)
			if err != nil {
				return StreamResult[T]{}, err
			}
			items := make([]Item[T], 0, 1+len(tail))
			items = append(items, snapItem)
			items = append(items, tail...)
			return StreamResult[T]{Items: items, Version: current}, nil
		}
	}

	items, err := h.readRange(ctx, sessionID, 1, current)
	if err != nil {
		return StreamResult[T]{}, err
	}
	return StreamResult[T]{Items: items, Version: current}, nil
}

// ReadSlice returns items [first..last] (1-based, inclusive). When
// useSnapshot is true and a snapshot exists at version s with
// first <= s < last, the snapshot replaces items [first..s] in the
// returned sequence.
func (h *Handle[T]) ReadSlice(ctx context.Context, first, last uint64, useSnapshot bool) ([]Item[T], error) {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	current, err := h.provider.GetVersion(ctx, sessionID, h.streamID)
	if err != nil {
		return nil, err
	}
	if first < 1 || last < first || last > current {
		return nil, ErrBadArgument("invalid slice bounds [%d,%d] for stream at version %d", first, last, current)
	}

	if useSnapshot {
		versions, err := h.provider.GetSnapshotVersions(ctx, sessionID, h.streamID)
		if err != nil {
			return nil, err
		}
		var snapVersion uint64
		for _, v := range versions {
			if v >= first && v < last && v > snapVersion {
				snapVersion = v
			}
		}
		if snapVersion > 0 {
			snapItem, err := h.provider.GetSnapshot(ctx, sessionID, h.streamID, snapVersion)
			if err != nil {
				return nil, err
			}
			tail, err := h.readRange(ctx, sessionID, snapVersion+1, last)
			if err != nil {
				return nil, err
			}
			items := make([]Item[T], 0, 1+len(tail))
			items = append(items, snapItem)
			items = append(items, tail...)
			return items, nil
		}
	}

	return h.readRange(ctx, sessionID, first, last)
}

func (h *Handle[T]) readRange(ctx context.Context, sessionID string, first, last uint64) ([]Item[T], error) {
	if last < first {
		return []Item[T]{}, nil
	}
	items := make([]Item[T], 0, last-first+1)
	for v := first; v <= last; v++ {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled()
		}
		item, err := h.provider.GetByVersion(ctx, sessionID, h.streamID, v)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (h *Handle[T]) latestSnapshotVersion(ctx context.Context, sessionID string, current uint64) (uint64, error) {
	versions, err := h.provider.GetSnapshotVersions(ctx, sessionID, h.streamID)
	if err != nil {
		return 0, err
	}
	var best uint64
	for _, v := range versions {
		if v <= current && v > best {
			best = v
		}
	}
	return best, nil
}

// Snapshot stores item as the snapshot for its own Version, requiring
// 1 <= item.Version <= the stream's current version. Overwrites any
// existing snapshot at that version.
func (h *Handle[T]) Snapshot(ctx context.Context, item Item[T]) error {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return err
	}
	return h.provider.SetSnapshot(ctx, sessionID, h.streamID, item)
}

// ClearSnapshot removes the snapshot at version, if any. Idempotent.
func (h *Handle[T]) ClearSnapshot(ctx context.Context, version uint64) error {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return err
	}
	return h.provider.RemoveSnapshot(ctx, sessionID, h.streamID, version)
}

// ClearAllSnapshots removes every snapshot currently known for the stream.
func (h *Handle[T]) ClearAllSnapshots(ctx context.Context) error {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return err
	}
	versions, err := h.provider.GetSnapshotVersions(ctx, sessionID, h.streamID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return ErrCancelled()
		}
		if err := h.provider.RemoveSnapshot(ctx, sessionID, h.streamID, v); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotVersion returns the highest snapshot version <= the current
// version, or 0 if none applies.
func (h *Handle[T]) SnapshotVersion(ctx context.Context) (uint64, error) {
	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return 0, err
	}
	current, err := h.provider.GetVersion(ctx, sessionID, h.streamID)
	if err != nil {
		return 0, err
	}
	return h.latestSnapshotVersion(ctx, sessionID, current)
}

// SnapshotAll clears every existing snapshot, then for each boundary
// k*chunkSize <= current version, reads the prefix [1..k*chunkSize] and
// folds it through fold to produce and store a snapshot item.
func (h *Handle[T]) SnapshotAll(ctx context.Context, chunkSize uint64, fold FoldFunc[T]) error {
	if chunkSize == 0 {
		return ErrBadArgument("chunkSize must be > 0")
	}
	if err := h.ClearAllSnapshots(ctx); err != nil {
		return err
	}

	sessionID, err := h.ensureSession(ctx)
	if err != nil {
		return err
	}
	current, err := h.provider.GetVersion(ctx, sessionID, h.streamID)
	if err != nil {
		return err
	}

	for boundary := chunkSize; boundary <= current; boundary += chunkSize {
		if err := ctx.Err(); err != nil {
			return ErrCancelled()
		}
		prefix, err := h.readRange(ctx, sessionID, 1, boundary)
		if err != nil {
			return err
		}
		payload, key := fold(prefix)
		item := Item[T]{IdempotencyKey: key, Version: boundary, Payload: payload}
		if err := h.provider.SetSnapshot(ctx, sessionID, h.streamID, item); err != nil {
			return err
		}
	}
	return nil
}
