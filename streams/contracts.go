package streams

import (
	"io"
	"time"
)

// Clock returns the current instant. Wall clock precision suffices;
// monotonicity is not required. Concrete implementations live in the
// streams/clock subpackage.
type Clock interface {
	Now() time.Time
}

// UniqueID returns an opaque, collision-resistant string used to mint
// session identifiers. Concrete implementations live in the streams/uniqueid
// subpackage.
type UniqueID interface {
	NewString() string
}

// Serializer encodes and decodes a single Item to/from an opaque byte
// sequence, and advertises the format tag that appears verbatim as a file
// extension for the file-backed Provider. FormatTag must match
// [A-Za-z0-9_-]+.
type Serializer[T any] interface {
	Encode(item Item[T]) ([]byte, error)
	Decode(data []byte) (Item[T], error)
	EncodeToSink(w io.Writer, item Item[T]) error
	DecodeFromSource(r io.Reader) (Item[T], error)
	FormatTag() string
}
