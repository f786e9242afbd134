// Package redisprovider implements streams.Provider against Redis: a
// second additive backend, grounded on the teacher's redis.go client
// wiring but restructured around stream semantics — one string key per
// item, a side-index for idempotency lookups, and SET NX EX for the
// session lease, which is the idiomatic Redis analogue of the sentinel
// file the file Provider needs.
package redisprovider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hexalith/streams-go/streams"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const retryInterval = 50 * time.Millisecond

// Provider is a Redis-backed streams.Provider[T].
type Provider[T any] struct {
	client      *redis.Client
	serializer  streams.Serializer[T]
	clock       streams.Clock
	uid         streams.UniqueID
	lockTimeout time.Duration
	logger      *zap.Logger
}

// New builds a Provider over an already-configured *redis.Client, mirroring
// the teacher's redis.go which takes a constructed client rather than
// owning connection setup itself.
func New[T any](client *redis.Client, serializer streams.Serializer[T], clock streams.Clock, uid streams.UniqueID, lockTimeout time.Duration, logger *zap.Logger) *Provider[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider[T]{client: client, serializer: serializer, clock: clock, uid: uid, lockTimeout: lockTimeout, logger: logger}
}

func versionKey(streamID string) string       { return fmt.Sprintf("streams:{%s}:ver", streamID) }
func itemKey(streamID string, v uint64) string { return fmt.Sprintf("streams:{%s}:item:%020d", streamID, v) }
func idempKey(streamID, key string) string    { return fmt.Sprintf("streams:{%s}:idemp:%s", streamID, key) }
func snapKey(streamID string, v uint64) string { return fmt.Sprintf("streams:{%s}:snap:%020d", streamID, v) }
func snapIndexKey(streamID string) string     { return fmt.Sprintf("streams:{%s}:snaps", streamID) }
func lockKey(streamID string) string          { return fmt.Sprintf("streams:{%s}:lock", streamID) }

// OpenSession uses SET key value NX EX ttl, the idiomatic Redis lease
// primitive: the server atomically rejects the write if the key is
// already held, so there is no read-then-write race to reason about.
func (p *Provider[T]) OpenSession(ctx context.Context, streamID string, timeout time.Duration) (string, error) {
	if streamID == "" {
		return "", streams.ErrBadArgument("streamID must not be empty")
	}
	if timeout <= 0 {
		timeout = p.lockTimeout
	}
	deadline := p.clock.Now().Add(timeout)

	for {
		sessionID := p.uid.NewString()
		ok, err := p.client.SetNX(ctx, lockKey(streamID), sessionID, p.lockTimeout).Result()
		if err != nil {
			return "", streams.ErrIoFailure(err, "acquire session for stream %q", streamID)
		}
		if ok {
			return sessionID, nil
		}

		now := p.clock.Now()
		if !now.Before(deadline) {
			return "", streams.ErrSessionTimeout(streamID)
		}
		wait := retryInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", streams.ErrCancelled()
		case <-time.After(wait):
		}
	}
}

func (p *Provider[T]) CloseSession(ctx context.Context, sessionID, streamID string) error {
	held, err := p.client.Get(ctx, lockKey(streamID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return streams.ErrIoFailure(err, "close session for stream %q", streamID)
	}
	if held != sessionID {
		return nil
	}
	if err := p.client.Del(ctx, lockKey(streamID)).Err(); err != nil {
		return streams.ErrIoFailure(err, "close session for stream %q", streamID)
	}
	p.logger.Sugar().Debugw("session closed", "stream_id", streamID)
	return nil
}

func (p *Provider[T]) validateSession(ctx context.Context, sessionID, streamID string) error {
	held, err := p.client.Get(ctx, lockKey(streamID)).Result()
	if err == redis.Nil {
		return streams.ErrInvalidSession("no active session matches for stream " + streamID)
	}
	if err != nil {
		return streams.ErrIoFailure(err, "validate session for stream %q", streamID)
	}
	if held != sessionID {
		return streams.ErrInvalidSession("no active session matches for stream " + streamID)
	}
	return nil
}

func (p *Provider[T]) currentVersion(ctx context.Context, streamID string) (uint64, error) {
	v, err := p.client.Get(ctx, versionKey(streamID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, streams.ErrIoFailure(err, "read version for stream %q", streamID)
	}
	return v, nil
}

func (p *Provider[T]) GetVersion(ctx context.Context, sessionID, streamID string) (uint64, error) {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return 0, err
	}
	return p.currentVersion(ctx, streamID)
}

func (p *Provider[T]) getItem(ctx context.Context, key string) (streams.Item[T], bool, error) {
	data, err := p.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return streams.Item[T]{}, false, nil
	}
	if err != nil {
		return streams.Item[T]{}, false, streams.ErrIoFailure(err, "read key %q", key)
	}
	item, err := p.serializer.Decode(data)
	if err != nil {
		return streams.Item[T]{}, false, streams.ErrIoFailure(err, "decode key %q", key)
	}
	return item, true, nil
}

func (p *Provider[T]) GetByVersion(ctx context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	item, ok, err := p.getItem(ctx, itemKey(streamID, version))
	if err != nil {
		return streams.Item[T]{}, err
	}
	if !ok {
		return streams.Item[T]{}, streams.ErrVersionNotFound(version)
	}
	return item, nil
}

func (p *Provider[T]) GetByIdempotency(ctx context.Context, sessionID, streamID, key string) (streams.Item[T], error) {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	versionStr, err := p.client.Get(ctx, idempKey(streamID, key)).Result()
	if err == redis.Nil {
		return streams.Item[T]{}, streams.ErrIdempotencyNotFound(key)
	}
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "read idempotency key %q of stream %q", key, streamID)
	}
	version, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "parse idempotency index for key %q", key)
	}
	item, ok, err := p.getItem(ctx, itemKey(streamID, version))
	if err != nil {
		return streams.Item[T]{}, err
	}
	if !ok {
		return streams.Item[T]{}, streams.ErrVersionNotFound(version)
	}
	return item, nil
}

// appendLocked writes the item and advances the version inside a WATCH/MULTI
// transaction so that a concurrent append (which should be impossible under
// a valid session, but is cheap insurance at the storage layer) cannot
// silently overwrite history.
func (p *Provider[T]) appendLocked(ctx context.Context, streamID string, item streams.Item[T]) error {
	txf := func(tx *redis.Tx) error {
		current, err := p.currentVersion(ctx, streamID)
		if err != nil {
			return err
		}
		exists, err := tx.Exists(ctx, idempKey(streamID, item.IdempotencyKey)).Result()
		if err != nil {
			return streams.ErrIoFailure(err, "check idempotency key %q", item.IdempotencyKey)
		}
		if exists == 1 {
			versionStr, err := tx.Get(ctx, idempKey(streamID, item.IdempotencyKey)).Result()
			if err != nil {
				return streams.ErrIoFailure(err, "read existing idempotency key %q", item.IdempotencyKey)
			}
			existing, _ := strconv.ParseUint(versionStr, 10, 64)
			return streams.ErrDuplicateIdempotency(existing)
		}
		if item.Version != current+1 {
			return streams.ErrVersionMismatch(current+1, item.Version)
		}
		data, err := p.serializer.Encode(item)
		if err != nil {
			return streams.ErrIoFailure(err, "encode item version %d", item.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, itemKey(streamID, item.Version), data, 0)
			pipe.Set(ctx, idempKey(streamID, item.IdempotencyKey), item.Version, 0)
			pipe.Set(ctx, versionKey(streamID), item.Version, 0)
			return nil
		})
		if err != nil {
			return streams.ErrIoFailure(err, "commit append to stream %q", streamID)
		}
		return nil
	}

	err := p.client.Watch(ctx, txf, versionKey(streamID), idempKey(streamID, item.IdempotencyKey))
	if err == redis.TxFailedErr {
		return streams.ErrIoFailure(err, "append to stream %q raced with a concurrent writer", streamID)
	}
	return err
}

func (p *Provider[T]) Append(ctx context.Context, sessionID, streamID string, item streams.Item[T]) error {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return err
	}
	return p.appendLocked(ctx, streamID, item)
}

func (p *Provider[T]) AppendWithIdempotency(ctx context.Context, sessionID, streamID, key string, payload T) (streams.Item[T], error) {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	current, err := p.currentVersion(ctx, streamID)
	if err != nil {
		return streams.Item[T]{}, err
	}
	item := streams.Item[T]{IdempotencyKey: key, Version: current + 1, Payload: payload}
	if err := p.appendLocked(ctx, streamID, item); err != nil {
		return streams.Item[T]{}, err
	}
	return item, nil
}

func (p *Provider[T]) GetSnapshotVersions(ctx context.Context, sessionID, streamID string) ([]uint64, error) {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return nil, err
	}
	members, err := p.client.SMembers(ctx, snapIndexKey(streamID)).Result()
	if err != nil {
		return nil, streams.ErrIoFailure(err, "list snapshots for stream %q", streamID)
	}
	versions := make([]uint64, 0, len(members))
	for _, m := range members {
		v, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (p *Provider[T]) GetSnapshot(ctx context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	item, ok, err := p.getItem(ctx, snapKey(streamID, version))
	if err != nil {
		return streams.Item[T]{}, err
	}
	if !ok {
		return streams.Item[T]{}, streams.ErrSnapshotVersionNotFound(version)
	}
	return item, nil
}

func (p *Provider[T]) SetSnapshot(ctx context.Context, sessionID, streamID string, item streams.Item[T]) error {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return err
	}
	current, err := p.currentVersion(ctx, streamID)
	if err != nil {
		return err
	}
	if item.Version < 1 || item.Version > current {
		return streams.ErrBadArgument("snapshot version %d out of range [1,%d]", item.Version, current)
	}
	data, err := p.serializer.Encode(item)
	if err != nil {
		return streams.ErrIoFailure(err, "encode snapshot version %d", item.Version)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, snapKey(streamID, item.Version), data, 0)
		pipe.SAdd(ctx, snapIndexKey(streamID), item.Version)
		return nil
	})
	if err != nil {
		return streams.ErrIoFailure(err, "set snapshot for stream %q", streamID)
	}
	return nil
}

func (p *Provider[T]) RemoveSnapshot(ctx context.Context, sessionID, streamID string, version uint64) error {
	if err := p.validateSession(ctx, sessionID, streamID); err != nil {
		return err
	}
	removed, err := p.client.SRem(ctx, snapIndexKey(streamID), version).Result()
	if err != nil {
		return streams.ErrIoFailure(err, "remove snapshot for stream %q", streamID)
	}
	if removed == 0 {
		p.logger.Sugar().Infow("removing snapshot that does not exist", "stream_id", streamID, "version", version)
		return nil
	}
	if err := p.client.Del(ctx, snapKey(streamID, version)).Err(); err != nil {
		return streams.ErrIoFailure(err, "remove snapshot for stream %q", streamID)
	}
	return nil
}

var _ streams.Provider[int] = (*Provider[int])(nil)
