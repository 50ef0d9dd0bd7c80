package state

import (
	"sync"

	"github.com/trymwestin/blinkd/internal/core/blinkapi"
)

// Reader provides read-only access to the latest snapshot and canonical state.
type Reader interface {
	Raw() (*blinkapi.Homescreen, uint64)
	Canonical() (CanonicalState, bool)
	Seq() uint64
}

// SnapshotStore holds the latest raw snapshot and the canonical state derived
// from it. The poller is the single writer; readers always receive copies
// tagged with the snapshot sequence number, never live references.
type SnapshotStore struct {
	mu        sync.RWMutex
	seq       uint64
	raw       *blinkapi.Homescreen
	canonical CanonicalState
	hasCanon  bool
}

// Ensure SnapshotStore implements Reader at compile time.
var _ Reader = (*SnapshotStore)(nil)

// NewSnapshotStore creates an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// SetRaw stores a new raw snapshot and returns its sequence number.
func (s *SnapshotStore) SetRaw(h *blinkapi.Homescreen) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.raw = h.Clone()
	return s.seq
}

// Raw returns a copy of the latest raw snapshot and its sequence number.
// Returns (nil, 0) before the first successful poll.
func (s *SnapshotStore) Raw() (*blinkapi.Homescreen, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw.Clone(), s.seq
}

// SetCanonical stores the reconciled state for the latest snapshot.
func (s *SnapshotStore) SetCanonical(cs CanonicalState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canonical = cs.Clone()
	s.hasCanon = true
}

// Canonical returns a copy of the latest canonical state. The bool is false
// until the first successful reconciliation.
func (s *SnapshotStore) Canonical() (CanonicalState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canonical.Clone(), s.hasCanon
}

// Seq returns the current snapshot sequence number for staleness checks.
func (s *SnapshotStore) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}
