package streams_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hexalith/streams-go/streams"
	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := streams.ErrVersionMismatch(3, 5)
	assert.True(t, errors.Is(err, &streams.Error{Kind: streams.KindVersionMismatch}))
	assert.False(t, errors.Is(err, &streams.Error{Kind: streams.KindDuplicateIdempotency}))
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	cause := errors.New("disk full")
	err := streams.ErrIoFailure(cause, "write stream %q", "s1")

	kind, ok := streams.KindOf(fmt.Errorf("outer: %w", err))
	assert.True(t, ok)
	assert.Equal(t, streams.KindIoFailure, kind)
	assert.ErrorContains(t, err, "disk full")
}

func TestKindOfReportsFalseForPlainErrors(t *testing.T) {
	_, ok := streams.KindOf(errors.New("not a streams error"))
	assert.False(t, ok)
}
