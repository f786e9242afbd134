// Package badgerprovider implements streams.Provider on an embedded Badger
// database: an additive backend (beyond the in-memory and file variants
// the spec requires) that exercises the teacher's production persistence
// stack in the stream-store domain instead of node/session state.
package badgerprovider

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/hexalith/streams-go/streams"
	"go.uber.org/zap"
)

const retryInterval = 50 * time.Millisecond

// badgerLogger adapts zap.Logger to badger.Logger, exactly as the teacher's
// badgerLoggerAdapter does.
type badgerLogger struct{ logger *zap.Logger }

var _ badgerdb.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(format string, args ...any)   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.logger.Debug(fmt.Sprintf(format, args...)) }

// Provider is a Badger-backed streams.Provider[T].
type Provider[T any] struct {
	db         *badgerdb.DB
	serializer streams.Serializer[T]
	clock      streams.Clock
	uid        streams.UniqueID
	lockTimeout time.Duration
	logger     *zap.Logger
}

// New opens (or creates) a Badger database at dataPath, mirroring the
// teacher's NewBadgerPersistence: SyncWrites for durability, a zap-backed
// logger adapter, and no in-process versioning beyond what the stream
// semantics need.
func New[T any](dataPath string, serializer streams.Serializer[T], clock streams.Clock, uid streams.UniqueID, lockTimeout time.Duration, logger *zap.Logger) (*Provider[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, streams.ErrIoFailure(err, "resolve badger path %q", dataPath)
	}
	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = true

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, streams.ErrIoFailure(err, "open badger database at %q", absPath)
	}
	return &Provider[T]{db: db, serializer: serializer, clock: clock, uid: uid, lockTimeout: lockTimeout, logger: logger}, nil
}

// Close shuts down the underlying database. Not part of streams.Provider;
// callers that construct a Provider directly are responsible for closing
// it.
func (p *Provider[T]) Close() error {
	return p.db.Close()
}

func versionKey(streamID string) []byte {
	return []byte(fmt.Sprintf("s:%s:ver", streamID))
}

func itemKey(streamID string, version uint64) []byte {
	return []byte(fmt.Sprintf("s:%s:i:%020d", streamID, version))
}

func idempotencyKey(streamID, key string) []byte {
	return []byte(fmt.Sprintf("s:%s:k:%s", streamID, key))
}

func snapshotKey(streamID string, version uint64) []byte {
	return []byte(fmt.Sprintf("s:%s:sn:%020d", streamID, version))
}

func snapshotPrefix(streamID string) []byte {
	return []byte(fmt.Sprintf("s:%s:sn:", streamID))
}

func lockKey(streamID string) []byte {
	return []byte(fmt.Sprintf("s:%s:lock", streamID))
}

func (p *Provider[T]) getVersionTxn(txn *badgerdb.Txn, streamID string) (uint64, error) {
	item, err := txn.Get(versionKey(streamID))
	if err == badgerdb.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version uint64
	err = item.Value(func(val []byte) error {
		version = binary.BigEndian.Uint64(val)
		return nil
	})
	return version, err
}

func (p *Provider[T]) setVersionTxn(txn *badgerdb.Txn, streamID string, version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return txn.Set(versionKey(streamID), buf)
}

// OpenSession performs an atomic check-and-set of the lock key inside a
// single Badger transaction — a true compare-and-swap, unlike the
// read-then-write race the file backend has to tolerate.
func (p *Provider[T]) OpenSession(ctx context.Context, streamID string, timeout time.Duration) (string, error) {
	if streamID == "" {
		return "", streams.ErrBadArgument("streamID must not be empty")
	}
	if timeout <= 0 {
		timeout = p.lockTimeout
	}
	deadline := p.clock.Now().Add(timeout)

	for {
		var sessionID string
		acquired := false

		err := p.db.Update(func(txn *badgerdb.Txn) error {
			now := p.clock.Now()
			existing, err := txn.Get(lockKey(streamID))
			if err != nil && err != badgerdb.ErrKeyNotFound {
				return err
			}
			if err == nil {
				var expiresAt time.Time
				var existingID string
				if verr := existing.Value(func(val []byte) error {
					existingID, expiresAt, err = decodeLockValue(val)
					return err
				}); verr != nil {
					return verr
				}
				if now.Before(expiresAt) {
					_ = existingID
					return nil // held by someone else, not expired
				}
			}
			sessionID = p.uid.NewString()
			acquired = true
			return txn.Set(lockKey(streamID), encodeLockValue(sessionID, now.Add(p.lockTimeout)))
		})
		if err != nil {
			return "", streams.ErrIoFailure(err, "acquire session for stream %q", streamID)
		}
		if acquired {
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

func encodeLockValue(sessionID string, expiresAt time.Time) []byte {
	return []byte(sessionID + "|" + expiresAt.Format(time.RFC3339Nano))
}

func decodeLockValue(val []byte) (string, time.Time, error) {
	parts := strings.SplitN(string(val), "|", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("badgerprovider: malformed lock value")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return "", time.Time{}, err
	}
	return parts[0], t, nil
}

func (p *Provider[T]) CloseSession(_ context.Context, sessionID, streamID string) error {
	err := p.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(lockKey(streamID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var existingID string
		if verr := item.Value(func(val []byte) error {
			id, _, err := decodeLockValue(val)
			existingID = id
			return err
		}); verr != nil {
			return verr
		}
		if existingID != sessionID {
			return nil
		}
		return txn.Delete(lockKey(streamID))
	})
	if err != nil {
		return streams.ErrIoFailure(err, "close session for stream %q", streamID)
	}
	p.logger.Sugar().Debugw("session closed", "stream_id", streamID)
	return nil
}

func (p *Provider[T]) validateSessionTxn(txn *badgerdb.Txn, sessionID, streamID string) error {
	item, err := txn.Get(lockKey(streamID))
	if err == badgerdb.ErrKeyNotFound {
		return streams.ErrInvalidSession("no active session matches for stream " + streamID)
	}
	if err != nil {
		return err
	}
	var existingID string
	var expiresAt time.Time
	if verr := item.Value(func(val []byte) error {
		id, exp, err := decodeLockValue(val)
		existingID, expiresAt = id, exp
		return err
	}); verr != nil {
		return verr
	}
	if existingID != sessionID || !p.clock.Now().Before(expiresAt) {
		return streams.ErrInvalidSession("no active session matches for stream " + streamID)
	}
	return nil
}

func (p *Provider[T]) GetVersion(_ context.Context, sessionID, streamID string) (uint64, error) {
	var version uint64
	err := p.db.View(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		v, err := p.getVersionTxn(txn, streamID)
		version = v
		return err
	})
	if se, ok := err.(*streams.Error); ok {
		return 0, se
	}
	if err != nil {
		return 0, streams.ErrIoFailure(err, "read version for stream %q", streamID)
	}
	return version, nil
}

func (p *Provider[T]) GetByVersion(_ context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	var result streams.Item[T]
	err := p.db.View(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		item, err := txn.Get(itemKey(streamID, version))
		if err == badgerdb.ErrKeyNotFound {
			return streams.ErrVersionNotFound(version)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := p.serializer.Decode(val)
			result = decoded
			return err
		})
	})
	if se, ok := err.(*streams.Error); ok {
		return streams.Item[T]{}, se
	}
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "read version %d of stream %q", version, streamID)
	}
	return result, nil
}

func (p *Provider[T]) GetByIdempotency(_ context.Context, sessionID, streamID, key string) (streams.Item[T], error) {
	var result streams.Item[T]
	err := p.db.View(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		idxItem, err := txn.Get(idempotencyKey(streamID, key))
		if err == badgerdb.ErrKeyNotFound {
			return streams.ErrIdempotencyNotFound(key)
		}
		if err != nil {
			return err
		}
		var version uint64
		if verr := idxItem.Value(func(val []byte) error {
			version = binary.BigEndian.Uint64(val)
			return nil
		}); verr != nil {
			return verr
		}
		dataItem, err := txn.Get(itemKey(streamID, version))
		if err != nil {
			return err
		}
		return dataItem.Value(func(val []byte) error {
			decoded, err := p.serializer.Decode(val)
			result = decoded
			return err
		})
	})
	if se, ok := err.(*streams.Error); ok {
		return streams.Item[T]{}, se
	}
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "read idempotency key %q of stream %q", key, streamID)
	}
	return result, nil
}

func (p *Provider[T]) appendTxn(txn *badgerdb.Txn, streamID string, item streams.Item[T]) error {
	current, err := p.getVersionTxn(txn, streamID)
	if err != nil {
		return err
	}
	if idxItem, err := txn.Get(idempotencyKey(streamID, item.IdempotencyKey)); err == nil {
		var existing uint64
		if verr := idxItem.Value(func(val []byte) error {
			existing = binary.BigEndian.Uint64(val)
			return nil
		}); verr != nil {
			return verr
		}
		return streams.ErrDuplicateIdempotency(existing)
	} else if err != badgerdb.ErrKeyNotFound {
		return err
	}
	if item.Version != current+1 {
		return streams.ErrVersionMismatch(current+1, item.Version)
	}
	data, err := p.serializer.Encode(item)
	if err != nil {
		return streams.ErrIoFailure(err, "encode item version %d", item.Version)
	}
	if err := txn.Set(itemKey(streamID, item.Version), data); err != nil {
		return err
	}
	verBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(verBuf, item.Version)
	if err := txn.Set(idempotencyKey(streamID, item.IdempotencyKey), verBuf); err != nil {
		return err
	}
	return p.setVersionTxn(txn, streamID, item.Version)
}

func (p *Provider[T]) Append(_ context.Context, sessionID, streamID string, item streams.Item[T]) error {
	err := p.db.Update(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		return p.appendTxn(txn, streamID, item)
	})
	if se, ok := err.(*streams.Error); ok {
		return se
	}
	if err != nil {
		return streams.ErrIoFailure(err, "append to stream %q", streamID)
	}
	return nil
}

func (p *Provider[T]) AppendWithIdempotency(_ context.Context, sessionID, streamID, key string, payload T) (streams.Item[T], error) {
	var result streams.Item[T]
	err := p.db.Update(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		current, err := p.getVersionTxn(txn, streamID)
		if err != nil {
			return err
		}
		item := streams.Item[T]{IdempotencyKey: key, Version: current + 1, Payload: payload}
		if err := p.appendTxn(txn, streamID, item); err != nil {
			return err
		}
		result = item
		return nil
	})
	if se, ok := err.(*streams.Error); ok {
		return streams.Item[T]{}, se
	}
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "append to stream %q", streamID)
	}
	return result, nil
}

func (p *Provider[T]) GetSnapshotVersions(_ context.Context, sessionID, streamID string) ([]uint64, error) {
	var versions []uint64
	err := p.db.View(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = snapshotPrefix(streamID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := snapshotPrefix(streamID)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			suffix := strings.TrimPrefix(string(key), string(prefix))
			v, err := strconv.ParseUint(suffix, 10, 64)
			if err != nil {
				continue
			}
			versions = append(versions, v)
		}
		return nil
	})
	if se, ok := err.(*streams.Error); ok {
		return nil, se
	}
	if err != nil {
		return nil, streams.ErrIoFailure(err, "list snapshots for stream %q", streamID)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (p *Provider[T]) GetSnapshot(_ context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	var result streams.Item[T]
	err := p.db.View(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		item, err := txn.Get(snapshotKey(streamID, version))
		if err == badgerdb.ErrKeyNotFound {
			return streams.ErrSnapshotVersionNotFound(version)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := p.serializer.Decode(val)
			result = decoded
			return err
		})
	})
	if se, ok := err.(*streams.Error); ok {
		return streams.Item[T]{}, se
	}
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "read snapshot version %d of stream %q", version, streamID)
	}
	return result, nil
}

func (p *Provider[T]) SetSnapshot(_ context.Context, sessionID, streamID string, item streams.Item[T]) error {
	err := p.db.Update(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		current, err := p.getVersionTxn(txn, streamID)
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
		return txn.Set(snapshotKey(streamID, item.Version), data)
	})
	if se, ok := err.(*streams.Error); ok {
		return se
	}
	if err != nil {
		return streams.ErrIoFailure(err, "set snapshot for stream %q", streamID)
	}
	return nil
}

func (p *Provider[T]) RemoveSnapshot(_ context.Context, sessionID, streamID string, version uint64) error {
	err := p.db.Update(func(txn *badgerdb.Txn) error {
		if err := p.validateSessionTxn(txn, sessionID, streamID); err != nil {
			return err
		}
		_, err := txn.Get(snapshotKey(streamID, version))
		if err == badgerdb.ErrKeyNotFound {
			p.logger.Sugar().Infow("removing snapshot that does not exist", "stream_id", streamID, "version", version)
			return nil
		}
		if err != nil {
			return err
		}
		return txn.Delete(snapshotKey(streamID, version))
	})
	if se, ok := err.(*streams.Error); ok {
		return se
	}
	if err != nil {
		return streams.ErrIoFailure(err, "remove snapshot for stream %q", streamID)
	}
	return nil
}

var _ streams.Provider[int] = (*Provider[int])(nil)
