// Package fileprovider implements streams.Provider on a plain directory
// tree, one file per item and one lock file per stream, so that lookups by
// version or idempotency key are filesystem scans rather than an index.
//
// Layout, rooted at a configured base path:
//
//	<base>/<stream_id>/lock.json
//	<base>/<stream_id>/Data/<version>.<idempotency_key>.<format_tag>
//	<base>/<stream_id>/Data/Snapshots/<version>.<format_tag>
package fileprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/hexalith/streams-go/streams"
	"go.uber.org/zap"
)

const retryInterval = 75 * time.Millisecond

var (
	dataFilePattern     = regexp.MustCompile(`^(\d+)\.([^./]+)\.([^./]+)$`)
	snapshotFilePattern = regexp.MustCompile(`^(\d+)\.([^./]+)$`)
)

var errLockBusy = errors.New("fileprovider: lock file busy")

type lockRecord struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider is a directory-tree-backed streams.Provider[T].
type Provider[T any] struct {
	basePath    string
	serializer  streams.Serializer[T]
	clock       streams.Clock
	uid         streams.UniqueID
	lockTimeout time.Duration
	logger      *zap.Logger
}

// New creates a Provider rooted at basePath (created lazily per-stream).
func New[T any](basePath string, serializer streams.Serializer[T], clock streams.Clock, uid streams.UniqueID, lockTimeout time.Duration, logger *zap.Logger) *Provider[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider[T]{
		basePath:    basePath,
		serializer:  serializer,
		clock:       clock,
		uid:         uid,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

func (p *Provider[T]) streamDir(streamID string) string {
	return filepath.Join(p.basePath, streamID)
}

func (p *Provider[T]) dataDir(streamID string) string {
	return filepath.Join(p.streamDir(streamID), "Data")
}

func (p *Provider[T]) snapshotDir(streamID string) string {
	return filepath.Join(p.dataDir(streamID), "Snapshots")
}

func (p *Provider[T]) lockPath(streamID string) string {
	return filepath.Join(p.streamDir(streamID), "lock.json")
}

func (p *Provider[T]) ensureDirs(streamID string) error {
	if err := os.MkdirAll(p.snapshotDir(streamID), 0o755); err != nil {
		return streams.ErrIoFailure(err, "create directories for stream %q", streamID)
	}
	return nil
}

// readLockRecord returns (nil, nil) if no lock file exists, and (nil, nil)
// if the file exists but is unparsable (treated as an abandoned lock).
func readLockRecord(path string) (*lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

func writeLockRecord(path string, rec lockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// acquireSentinel is a best-effort exclusive gate around the
// read-check-write critical section below, standing in for "opens the
// lock file with OS-exclusive share": a true cross-platform flock isn't in
// this module's dependency set, so the sentinel (atomic O_EXCL create) plus
// an atomic rename of the final lock.json (via renameio) is the portable
// approximation. The spec's own race tolerance — "the first to write a
// valid record wins" — covers the remaining window.
func acquireSentinel(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errLockBusy
		}
		return nil, err
	}
	_ = f.Close()
	return func() { _ = os.Remove(path) }, nil
}

// OpenSession opens the stream's lock file with best-effort exclusive
// access, retrying every ~75ms while a non-expired session record is
// present, until lockTimeout (or the caller's timeout) elapses.
func (p *Provider[T]) OpenSession(ctx context.Context, streamID string, timeout time.Duration) (string, error) {
	if streamID == "" {
		return "", streams.ErrBadArgument("streamID must not be empty")
	}
	if err := p.ensureDirs(streamID); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = p.lockTimeout
	}
	deadline := p.clock.Now().Add(timeout)
	lockPath := p.lockPath(streamID)
	sentinelPath := lockPath + ".acquiring"

	for {
		now := p.clock.Now()
		release, err := acquireSentinel(sentinelPath)
		switch {
		case err == nil:
			existing, readErr := readLockRecord(lockPath)
			if readErr != nil {
				release()
				return "", streams.ErrIoFailure(readErr, "read lock file for stream %q", streamID)
			}
			if existing != nil && now.Before(existing.ExpiresAt) {
				release()
			} else {
				rec := lockRecord{SessionID: p.uid.NewString(), ExpiresAt: now.Add(p.lockTimeout)}
				writeErr := writeLockRecord(lockPath, rec)
				release()
				if writeErr != nil {
					return "", streams.ErrIoFailure(writeErr, "write lock file for stream %q", streamID)
				}
				return rec.SessionID, nil
			}
		case errors.Is(err, errLockBusy):
			// another acquirer is in its critical section; fall through to retry.
		default:
			return "", streams.ErrIoFailure(err, "acquire lock sentinel for stream %q", streamID)
		}

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

func (p *Provider[T]) CloseSession(_ context.Context, sessionID, streamID string) error {
	rec, err := readLockRecord(p.lockPath(streamID))
	if err != nil {
		return streams.ErrIoFailure(err, "read lock file for stream %q", streamID)
	}
	if rec == nil || rec.SessionID != sessionID {
		p.logger.Sugar().Infow("closing unknown or already-expired session", "stream_id", streamID)
		return nil
	}
	if err := os.Remove(p.lockPath(streamID)); err != nil && !os.IsNotExist(err) {
		return streams.ErrIoFailure(err, "remove lock file for stream %q", streamID)
	}
	return nil
}

func (p *Provider[T]) validateSession(sessionID, streamID string) error {
	rec, err := readLockRecord(p.lockPath(streamID))
	if err != nil {
		return streams.ErrIoFailure(err, "read lock file for stream %q", streamID)
	}
	if rec == nil || rec.SessionID != sessionID || !p.clock.Now().Before(rec.ExpiresAt) {
		return streams.ErrInvalidSession("no active session matches for stream " + streamID)
	}
	return nil
}

type dataFile struct {
	version uint64
	key     string
	path    string
}

func (p *Provider[T]) listDataFiles(streamID string) ([]dataFile, error) {
	entries, err := os.ReadDir(p.dataDir(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]dataFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := dataFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var version uint64
		if _, err := fmt.Sscanf(m[1], "%d", &version); err != nil {
			continue
		}
		files = append(files, dataFile{version: version, key: m[2], path: filepath.Join(p.dataDir(streamID), e.Name())})
	}
	return files, nil
}

func (p *Provider[T]) readItem(path string) (streams.Item[T], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "read %q", path)
	}
	return p.serializer.Decode(data)
}

func (p *Provider[T]) GetVersion(_ context.Context, sessionID, streamID string) (uint64, error) {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return 0, err
	}
	files, err := p.listDataFiles(streamID)
	if err != nil {
		return 0, streams.ErrIoFailure(err, "scan data directory for stream %q", streamID)
	}
	var max uint64
	for _, f := range files {
		if f.version > max {
			max = f.version
		}
	}
	return max, nil
}

func (p *Provider[T]) GetByVersion(_ context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	files, err := p.listDataFiles(streamID)
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "scan data directory for stream %q", streamID)
	}
	var matches []dataFile
	for _, f := range files {
		if f.version == version {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 0:
		return streams.Item[T]{}, streams.ErrVersionNotFound(version)
	case 1:
		return p.readItem(matches[0].path)
	default:
		return streams.Item[T]{}, streams.ErrDuplicateOnDisk(streamID, fmt.Sprintf("%d.*.*", version))
	}
}

func (p *Provider[T]) GetByIdempotency(_ context.Context, sessionID, streamID, key string) (streams.Item[T], error) {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	item, _, err := p.findByKey(streamID, key)
	if err != nil {
		return streams.Item[T]{}, err
	}
	if item == nil {
		return streams.Item[T]{}, streams.ErrIdempotencyNotFound(key)
	}
	return *item, nil
}

// findByKey returns (item, version, nil) if found, (nil, 0, nil) if not
// found, or a DuplicateOnDisk error.
func (p *Provider[T]) findByKey(streamID, key string) (*streams.Item[T], uint64, error) {
	files, err := p.listDataFiles(streamID)
	if err != nil {
		return nil, 0, streams.ErrIoFailure(err, "scan data directory for stream %q", streamID)
	}
	var matches []dataFile
	for _, f := range files {
		if f.key == key {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 0:
		return nil, 0, nil
	case 1:
		item, err := p.readItem(matches[0].path)
		if err != nil {
			return nil, 0, err
		}
		return &item, matches[0].version, nil
	default:
		return nil, 0, streams.ErrDuplicateOnDisk(streamID, fmt.Sprintf("*.%s.*", key))
	}
}

func (p *Provider[T]) writeItemFile(streamID string, item streams.Item[T]) error {
	data, err := p.serializer.Encode(item)
	if err != nil {
		return streams.ErrIoFailure(err, "encode item version %d", item.Version)
	}
	name := fmt.Sprintf("%d.%s.%s", item.Version, item.IdempotencyKey, p.serializer.FormatTag())
	path := filepath.Join(p.dataDir(streamID), name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return streams.ErrIoFailure(err, "create %q", path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return streams.ErrIoFailure(err, "write %q", path)
	}
	return nil
}

func (p *Provider[T]) Append(_ context.Context, sessionID, streamID string, item streams.Item[T]) error {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return err
	}
	current, err := p.currentVersion(streamID)
	if err != nil {
		return err
	}
	existing, _, err := p.findByKey(streamID, item.IdempotencyKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return streams.ErrDuplicateIdempotency(existing.Version)
	}
	if item.Version != current+1 {
		return streams.ErrVersionMismatch(current+1, item.Version)
	}
	return p.writeItemFile(streamID, item)
}

func (p *Provider[T]) AppendWithIdempotency(_ context.Context, sessionID, streamID, key string, payload T) (streams.Item[T], error) {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	current, err := p.currentVersion(streamID)
	if err != nil {
		return streams.Item[T]{}, err
	}
	existing, _, err := p.findByKey(streamID, key)
	if err != nil {
		return streams.Item[T]{}, err
	}
	if existing != nil {
		return streams.Item[T]{}, streams.ErrDuplicateIdempotency(existing.Version)
	}
	item := streams.Item[T]{IdempotencyKey: key, Version: current + 1, Payload: payload}
	if err := p.writeItemFile(streamID, item); err != nil {
		return streams.Item[T]{}, err
	}
	return item, nil
}

func (p *Provider[T]) currentVersion(streamID string) (uint64, error) {
	files, err := p.listDataFiles(streamID)
	if err != nil {
		return 0, streams.ErrIoFailure(err, "scan data directory for stream %q", streamID)
	}
	var max uint64
	for _, f := range files {
		if f.version > max {
			max = f.version
		}
	}
	return max, nil
}

type snapshotFile struct {
	version uint64
	path    string
}

func (p *Provider[T]) listSnapshotFiles(streamID string) ([]snapshotFile, error) {
	entries, err := os.ReadDir(p.snapshotDir(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]snapshotFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := snapshotFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var version uint64
		if _, err := fmt.Sscanf(m[1], "%d", &version); err != nil {
			continue
		}
		files = append(files, snapshotFile{version: version, path: filepath.Join(p.snapshotDir(streamID), e.Name())})
	}
	return files, nil
}

func (p *Provider[T]) GetSnapshotVersions(_ context.Context, sessionID, streamID string) ([]uint64, error) {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return nil, err
	}
	files, err := p.listSnapshotFiles(streamID)
	if err != nil {
		return nil, streams.ErrIoFailure(err, "scan snapshot directory for stream %q", streamID)
	}
	versions := make([]uint64, 0, len(files))
	for _, f := range files {
		versions = append(versions, f.version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (p *Provider[T]) matchingSnapshots(streamID string, version uint64) ([]snapshotFile, error) {
	files, err := p.listSnapshotFiles(streamID)
	if err != nil {
		return nil, err
	}
	var matches []snapshotFile
	for _, f := range files {
		if f.version == version {
			matches = append(matches, f)
		}
	}
	return matches, nil
}

func (p *Provider[T]) GetSnapshot(_ context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	matches, err := p.matchingSnapshots(streamID, version)
	if err != nil {
		return streams.Item[T]{}, streams.ErrIoFailure(err, "scan snapshot directory for stream %q", streamID)
	}
	switch len(matches) {
	case 0:
		return streams.Item[T]{}, streams.ErrSnapshotVersionNotFound(version)
	case 1:
		return p.readItem(matches[0].path)
	default:
		return streams.Item[T]{}, streams.ErrDuplicateOnDisk(streamID, fmt.Sprintf("Snapshots/%d.*", version))
	}
}

func (p *Provider[T]) SetSnapshot(_ context.Context, sessionID, streamID string, item streams.Item[T]) error {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return err
	}
	current, err := p.currentVersion(streamID)
	if err != nil {
		return err
	}
	if item.Version < 1 || item.Version > current {
		return streams.ErrBadArgument("snapshot version %d out of range [1,%d]", item.Version, current)
	}
	matches, err := p.matchingSnapshots(streamID, item.Version)
	if err != nil {
		return streams.ErrIoFailure(err, "scan snapshot directory for stream %q", streamID)
	}
	for _, m := range matches {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return streams.ErrIoFailure(err, "remove stale snapshot %q", m.path)
		}
	}
	data, err := p.serializer.Encode(item)
	if err != nil {
		return streams.ErrIoFailure(err, "encode snapshot version %d", item.Version)
	}
	name := fmt.Sprintf("%d.%s", item.Version, p.serializer.FormatTag())
	path := filepath.Join(p.snapshotDir(streamID), name)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return streams.ErrIoFailure(err, "write snapshot %q", path)
	}
	return nil
}

func (p *Provider[T]) RemoveSnapshot(_ context.Context, sessionID, streamID string, version uint64) error {
	if err := p.validateSession(sessionID, streamID); err != nil {
		return err
	}
	matches, err := p.matchingSnapshots(streamID, version)
	if err != nil {
		return streams.ErrIoFailure(err, "scan snapshot directory for stream %q", streamID)
	}
	if len(matches) == 0 {
		p.logger.Sugar().Infow("removing snapshot that does not exist", "stream_id", streamID, "version", version)
		return nil
	}
	if len(matches) > 1 {
		return streams.ErrDuplicateOnDisk(streamID, fmt.Sprintf("Snapshots/%d.*", version))
	}
	if err := os.Remove(matches[0].path); err != nil && !os.IsNotExist(err) {
		return streams.ErrIoFailure(err, "remove snapshot %q", matches[0].path)
	}
	return nil
}

var _ streams.Provider[int] = (*Provider[int])(nil)
