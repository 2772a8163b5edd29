// Package ident generates entity and event identifiers.
package ident

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// NewID returns a UUIDv4 string, the id form for every persisted entity.
func NewID() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Sequence issues monotonically increasing prefixed ids for transient
// objects such as outbound event frames.
type Sequence struct {
	n atomic.Uint64
}

func (s *Sequence) Next(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, s.n.Add(1))
}
