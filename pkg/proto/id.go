package proto

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Well-known id prefixes.
const (
	PrefixAgent       = "agent"
	PrefixMessage     = "msg"
	PrefixAction      = "act"
	PrefixCorrelation = "corr"
)

// IDSource mints process-unique ids that sort lexicographically in
// creation order within a prefix. Components take it as a dependency
// so tests can substitute a deterministic source.
type IDSource interface {
	NewID(prefix string) string
}

// UUIDSource mints UUIDv7-based ids (time-ordered, so string order
// follows creation order).
type UUIDSource struct{}

// NewUUIDSource returns the production id source.
func NewUUIDSource() *UUIDSource {
	return &UUIDSource{}
}

// NewID returns "<prefix>-<uuidv7>".
func (s *UUIDSource) NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails if the random source does; fall back to v4.
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// SeqSource mints zero-padded per-prefix counters ("agent-000001").
// Deterministic and sortable; for tests and replay tooling.
type SeqSource struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSeqSource returns a fresh deterministic id source.
func NewSeqSource() *SeqSource {
	return &SeqSource{counters: make(map[string]int64)}
}

// NewID returns "<prefix>-<n>" with n monotonically increasing per
// prefix.
func (s *SeqSource) NewID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[prefix]++
	return fmt.Sprintf("%s-%06d", prefix, s.counters[prefix])
}
