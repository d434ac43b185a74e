// Package attest keeps the append-only attestation log in memory and fans
// recorded attestations out to durable sinks off the decision path.
package attest

import (
	"fmt"
	"sync"
	"time"

	"registrar/internal/domain"
)

// Filter selects attestations. Zero fields match everything.
type Filter struct {
	Actor    string
	Action   domain.Action
	Target   string
	Decision domain.DecisionKind
	Since    time.Time
	AfterSeq int64
	// AccessibilityDriven, when set, matches only that flag value.
	AccessibilityDriven *bool
	Limit               int
}

func (f Filter) match(a domain.Attestation) bool {
	if f.Actor != "" && a.Actor != f.Actor {
		return false
	}
	if f.Action != "" && a.Action != f.Action {
		return false
	}
	if f.Target != "" && a.Target != f.Target && a.StreamID != f.Target {
		return false
	}
	if f.Decision != "" && a.Decision != f.Decision {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	if a.Seq <= f.AfterSeq {
		return false
	}
	if f.AccessibilityDriven != nil && a.AccessibilityDriven != *f.AccessibilityDriven {
		return false
	}
	return true
}

// Store is an in-memory, append-only attestation log ordered by a global
// gap-free sequence number.
type Store struct {
	mu    sync.RWMutex
	items []domain.Attestation
	byID  map[string]int
}

func NewStore() *Store {
	return &Store{byID: make(map[string]int)}
}

// Record appends a. A zero Seq is assigned the next sequence number; a
// non-zero Seq must be exactly the next one. The stored copy is returned.
func (s *Store) Record(a domain.Attestation) (domain.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		return domain.Attestation{}, &domain.ValidationError{Field: "id", Message: "attestation id is required"}
	}
	if _, ok := s.byID[a.ID]; ok {
		return domain.Attestation{}, &domain.DuplicateIDError{ID: a.ID}
	}
	next := int64(len(s.items)) + 1
	switch {
	case a.Seq == 0:
		a.Seq = next
	case a.Seq != next:
		return domain.Attestation{}, fmt.Errorf("attestation %s: sequence %d, expected %d", a.ID, a.Seq, next)
	}
	a = clone(a)
	s.items = append(s.items, a)
	s.byID[a.ID] = len(s.items) - 1
	return clone(a), nil
}

// Get returns the attestation with id.
func (s *Store) Get(id string) (domain.Attestation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return domain.Attestation{}, false
	}
	return clone(s.items[i]), true
}

// Query returns matching attestations in sequence order.
func (s *Store) Query(f Filter) []domain.Attestation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Attestation{}
	for _, a := range s.items {
		if !f.match(a) {
			continue
		}
		out = append(out, clone(a))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// All returns the full log in sequence order.
func (s *Store) All() []domain.Attestation {
	return s.Query(Filter{})
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// LastSeq is the sequence number of the newest attestation, 0 when empty.
func (s *Store) LastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.items))
}

func clone(a domain.Attestation) domain.Attestation {
	out := a
	out.InvariantsChecked = append([]string(nil), a.InvariantsChecked...)
	out.Violations = append([]domain.Violation(nil), a.Violations...)
	out.Metadata = a.Metadata.Clone()
	return out
}
