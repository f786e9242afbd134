// Package jsonserializer provides a concrete streams.Serializer over
// encoding/json, generalizing the teacher's per-type
// Marshal/UnmarshalX(...) function-pair idiom to a single generic type.
package jsonserializer

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hexalith/streams-go/streams"
)

// FormatTag is the file extension this serializer advertises to the file
// Provider.
const FormatTag = "json"

// envelope is the wire shape: the idempotency key and version travel
// alongside the payload so Decode can reconstruct a full Item without a
// second source of truth (the file Provider already carries version and
// key in the filename; this keeps the Badger/Redis/in-memory-over-bytes
// paths self-describing too).
type envelope[T any] struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Version        uint64 `json:"version"`
	Payload        T      `json:"payload"`
}

// Serializer is a streams.Serializer[T] backed by encoding/json.
type Serializer[T any] struct{}

// New returns a JSON Serializer for payload type T.
func New[T any]() Serializer[T] { return Serializer[T]{} }

func (Serializer[T]) FormatTag() string { return FormatTag }

func (Serializer[T]) Encode(item streams.Item[T]) ([]byte, error) {
	data, err := json.Marshal(envelope[T]{IdempotencyKey: item.IdempotencyKey, Version: item.Version, Payload: item.Payload})
	if err != nil {
		return nil, fmt.Errorf("jsonserializer: encode: %w", err)
	}
	return data, nil
}

func (Serializer[T]) Decode(data []byte) (streams.Item[T], error) {
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return streams.Item[T]{}, fmt.Errorf("jsonserializer: decode: %w", err)
	}
	return streams.Item[T]{IdempotencyKey: env.IdempotencyKey, Version: env.Version, Payload: env.Payload}, nil
}

func (s Serializer[T]) EncodeToSink(w io.Writer, item streams.Item[T]) error {
	data, err := s.Encode(item)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (s Serializer[T]) DecodeFromSource(r io.Reader) (streams.Item[T], error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return streams.Item[T]{}, fmt.Errorf("jsonserializer: read: %w", err)
	}
	return s.Decode(data)
}

var _ streams.Serializer[int] = Serializer[int]{}
