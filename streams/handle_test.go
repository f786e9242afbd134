package streams_test

import (
	"context"
	"testing"
	"time"

	"github.com/hexalith/streams-go/streams"
	"github.com/hexalith/streams-go/streams/clock"
	"github.com/hexalith/streams-go/streams/providers/memprovider"
	"github.com/hexalith/streams-go/streams/uniqueid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *streams.Store[string] {
	t.Helper()
	provider := memprovider.New[string](clock.System{}, uniqueid.UUID{}, 50*time.Millisecond, nil)
	return streams.NewStore[string](provider, 50*time.Millisecond)
}

func TestHandleGetStreamIdentity(t *testing.T) {
	store := newTestStore(t)
	a := store.GetStream("s1")
	b := store.GetStream("s1")
	assert.Same(t, a, b)
}

func TestHandleAppendExpectedFailsFastWithoutWriting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := store.GetStream("s1")

	_, err := h.Append(ctx, []streams.AppendItem[string]{{IdempotencyKey: "k1", Payload: "v1"}})
	require.NoError(t, err)

	_, err = h.AppendExpected(ctx, []streams.AppendItem[string]{
		{IdempotencyKey: "k2", Payload: "v2"},
	}, 0) // stale expectation, current is 1
	require.Error(t, err)
	kind, ok := streams.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, streams.KindVersionMismatch, kind)

	version, err := h.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version, "failed AppendExpected must not have written anything")
}

func TestHandleReadSliceBounds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := store.GetStream("s1")

	_, err := h.Append(ctx, []streams.AppendItem[string]{
		{IdempotencyKey: "k1", Payload: "v1"},
		{IdempotencyKey: "k2", Payload: "v2"},
		{IdempotencyKey: "k3", Payload: "v3"},
	})
	require.NoError(t, err)

	items, err := h.ReadSlice(ctx, 2, 3, false)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "v2", items[0].Payload)
	assert.Equal(t, "v3", items[1].Payload)

	_, err = h.ReadSlice(ctx, 0, 1, false)
	require.Error(t, err)
	kind, ok := streams.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, streams.KindBadArgument, kind)

	_, err = h.ReadSlice(ctx, 1, 10, false)
	require.Error(t, err)
	kind, ok = streams.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, streams.KindBadArgument, kind)
}

func TestHandleCloseIsIdempotentAndRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := store.GetStream("s1")

	_, err := h.Version(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))

	_, err = h.Version(ctx)
	require.Error(t, err)
	kind, ok := streams.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, streams.KindInvalidSession, kind)
}

func TestHandleSnapshotAllAndReadAllWithSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := store.GetStream("s1")

	items := make([]streams.AppendItem[string], 0, 5)
	for i := 1; i <= 5; i++ {
		items = append(items, streams.AppendItem[string]{IdempotencyKey: string(rune('a' + i)), Payload: "v"})
	}
	_, err := h.Append(ctx, items)
	require.NoError(t, err)

	fold := func(prefix []streams.Item[string]) (string, string) {
		return "folded", "snap-at-" + prefix[len(prefix)-1].IdempotencyKey
	}
	require.NoError(t, h.SnapshotAll(ctx, 2, fold))

	result, err := h.ReadAll(ctx, true)
	require.NoError(t, err)
	// Latest applicable snapshot is at version 4; tail is [item@5].
	require.Len(t, result.Items, 2)
	assert.Equal(t, "folded", result.Items[0].Payload)
	assert.Equal(t, uint64(5), result.Version)
}
