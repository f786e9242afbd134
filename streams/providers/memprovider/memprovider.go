// Package memprovider implements streams.Provider entirely in process
// memory. It is intended for tests and single-process deployments; state
// does not survive a restart.
package memprovider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hexalith/streams-go/streams"
	"go.uber.org/zap"
)

const retryInterval = 50 * time.Millisecond

type streamState[T any] struct {
	items       map[uint64]streams.Item[T]
	idempotency map[string]uint64
	snapshots   map[uint64]streams.Item[T]
	maxVersion  uint64
}

func newStreamState[T any]() *streamState[T] {
	return &streamState[T]{
		items:       make(map[uint64]streams.Item[T]),
		idempotency: make(map[string]uint64),
		snapshots:   make(map[uint64]streams.Item[T]),
	}
}

type sessionRecord struct {
	sessionID string
	expiresAt time.Time
}

// Provider is an in-memory streams.Provider[T]. All mutations are
// serialized by a single intra-provider mutex, mirroring the teacher's
// MemoryPersistence: fine-grained-locked per call. Items are stored and
// returned by value; no deep copy is made, so a payload holding
// references (slices, maps, pointers) shares them with the caller.
type Provider[T any] struct {
	clock       streams.Clock
	uid         streams.UniqueID
	lockTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	streams  map[string]*streamState[T]
	sessions map[string]sessionRecord
}

// New creates an in-memory Provider. lockTimeout is used both as the
// default OpenSession retry budget and as each acquired session's lease
// duration.
func New[T any](clock streams.Clock, uid streams.UniqueID, lockTimeout time.Duration, logger *zap.Logger) *Provider[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider[T]{
		clock:       clock,
		uid:         uid,
		lockTimeout: lockTimeout,
		logger:      logger,
		streams:     make(map[string]*streamState[T]),
		sessions:    make(map[string]sessionRecord),
	}
}

func (p *Provider[T]) stream(streamID string) *streamState[T] {
	s, ok := p.streams[streamID]
	if !ok {
		s = newStreamState[T]()
		p.streams[streamID] = s
	}
	return s
}

// OpenSession spins with a small sleep while a non-expired session for
// streamID exists; an expired session is overwritten in place.
func (p *Provider[T]) OpenSession(ctx context.Context, streamID string, timeout time.Duration) (string, error) {
	if streamID == "" {
		return "", streams.ErrBadArgument("streamID must not be empty")
	}
	if timeout <= 0 {
		timeout = p.lockTimeout
	}
	deadline := p.clock.Now().Add(timeout)

	for {
		p.mu.Lock()
		now := p.clock.Now()
		rec, held := p.sessions[streamID]
		if !held || !now.Before(rec.expiresAt) {
			sessionID := p.uid.NewString()
			p.sessions[streamID] = sessionRecord{sessionID: sessionID, expiresAt: now.Add(p.lockTimeout)}
			p.mu.Unlock()
			return sessionID, nil
		}
		p.mu.Unlock()

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
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.sessions[streamID]
	if !ok || rec.sessionID != sessionID {
		p.logger.Sugar().Infow("closing unknown or already-expired session", "stream_id", streamID)
		return nil
	}
	delete(p.sessions, streamID)
	return nil
}

// validateSession must be called with p.mu held.
func (p *Provider[T]) validateSession(sessionID, streamID string) error {
	rec, ok := p.sessions[streamID]
	if !ok || rec.sessionID != sessionID || !p.clock.Now().Before(rec.expiresAt) {
		return streams.ErrInvalidSession("no active session matches for stream " + streamID)
	}
	return nil
}

func (p *Provider[T]) GetVersion(_ context.Context, sessionID, streamID string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return 0, err
	}
	return p.stream(streamID).maxVersion, nil
}

func (p *Provider[T]) GetByVersion(_ context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	item, ok := p.stream(streamID).items[version]
	if !ok {
		return streams.Item[T]{}, streams.ErrVersionNotFound(version)
	}
	return item, nil
}

func (p *Provider[T]) GetByIdempotency(_ context.Context, sessionID, streamID, key string) (streams.Item[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	s := p.stream(streamID)
	version, ok := s.idempotency[key]
	if !ok {
		return streams.Item[T]{}, streams.ErrIdempotencyNotFound(key)
	}
	return s.items[version], nil
}

func (p *Provider[T]) Append(_ context.Context, sessionID, streamID string, item streams.Item[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return err
	}
	s := p.stream(streamID)
	if existing, ok := s.idempotency[item.IdempotencyKey]; ok {
		return streams.ErrDuplicateIdempotency(existing)
	}
	if item.Version != s.maxVersion+1 {
		return streams.ErrVersionMismatch(s.maxVersion+1, item.Version)
	}
	s.items[item.Version] = item
	s.idempotency[item.IdempotencyKey] = item.Version
	s.maxVersion = item.Version
	return nil
}

func (p *Provider[T]) AppendWithIdempotency(_ context.Context, sessionID, streamID, key string, payload T) (streams.Item[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	s := p.stream(streamID)
	if existing, ok := s.idempotency[key]; ok {
		return streams.Item[T]{}, streams.ErrDuplicateIdempotency(existing)
	}
	item := streams.Item[T]{IdempotencyKey: key, Version: s.maxVersion + 1, Payload: payload}
	s.items[item.Version] = item
	s.idempotency[key] = item.Version
	s.maxVersion = item.Version
	return item, nil
}

func (p *Provider[T]) GetSnapshotVersions(_ context.Context, sessionID, streamID string) ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return nil, err
	}
	s := p.stream(streamID)
	versions := make([]uint64, 0, len(s.snapshots))
	for v := range s.snapshots {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (p *Provider[T]) GetSnapshot(_ context.Context, sessionID, streamID string, version uint64) (streams.Item[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return streams.Item[T]{}, err
	}
	item, ok := p.stream(streamID).snapshots[version]
	if !ok {
		return streams.Item[T]{}, streams.ErrSnapshotVersionNotFound(version)
	}
	return item, nil
}

func (p *Provider[T]) SetSnapshot(_ context.Context, sessionID, streamID string, item streams.Item[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return err
	}
	s := p.stream(streamID)
	if item.Version < 1 || item.Version > s.maxVersion {
		return streams.ErrBadArgument("snapshot version %d out of range [1,%d]", item.Version, s.maxVersion)
	}
	s.snapshots[item.Version] = item
	return nil
}

func (p *Provider[T]) RemoveSnapshot(_ context.Context, sessionID, streamID string, version uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validateSession(sessionID, streamID); err != nil {
		return err
	}
	s := p.stream(streamID)
	if _, ok := s.snapshots[version]; !ok {
		p.logger.Sugar().Infow("removing snapshot that does not exist", "stream_id", streamID, "version", version)
		return nil
	}
	delete(s.snapshots, version)
	return nil
}

var _ streams.Provider[int] = (*Provider[int])(nil)
