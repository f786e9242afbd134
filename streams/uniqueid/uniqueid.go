// Package uniqueid provides streams.UniqueID implementations.
package uniqueid

import "github.com/google/uuid"

// UUID mints session identifiers with google/uuid, the same way the
// teacher's local key generator mints key ids (uuid.New().String()).
type UUID struct{}

func (UUID) NewString() string { return uuid.New().String() }
