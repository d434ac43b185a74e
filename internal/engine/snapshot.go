package engine

import (
	"context"
	"fmt"
	"time"

	"registrar/internal/codec"
	"registrar/internal/domain"
)

// SnapshotVersion is the snapshot format version.
const SnapshotVersion = "2.7.0"

// Snapshot is a point-in-time copy of the registrar. Attestations carry the
// full log so that a snapshot alone can rebuild and verify the state.
type Snapshot struct {
	Version          string                   `json:"version"`
	TakenAt          time.Time                `json:"taken_at"`
	States           map[string]domain.Stream `json:"states"`
	AttestationCount int                      `json:"attestation_count"`
	LastSeq          int64                    `json:"last_seq"`
	LastOrder        int64                    `json:"last_order"`
	Fingerprint      codec.Fingerprint        `json:"fingerprint"`
	Halt             *domain.HaltInfo         `json:"halt,omitempty"`
	Attestations     []domain.Attestation     `json:"attestations,omitempty"`
}

// Snapshot copies the current state. withLog includes the attestation log.
func (r *Registrar) Snapshot(withLog bool) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, err := fingerprint(r.states, r.lastOrder)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fingerprint state: %w", err)
	}
	s := Snapshot{
		Version:          SnapshotVersion,
		TakenAt:          r.now().UTC(),
		States:           cloneStates(r.states),
		AttestationCount: r.store.Count(),
		LastSeq:          r.store.LastSeq(),
		LastOrder:        r.lastOrder,
		Fingerprint:      fp,
	}
	if r.halt != nil {
		h := *r.halt
		s.Halt = &h
	}
	if withLog {
		s.Attestations = r.store.All()
	}
	return s, nil
}

// Encode renders the snapshot in deterministic CBOR.
func (s Snapshot) Encode() ([]byte, error) {
	return codec.Marshal(s)
}

// DecodeSnapshot parses a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := codec.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %q", s.Version)
	}
	return s, nil
}

// Restore rebuilds a registrar from a snapshot that carries its log and
// checks that replay reproduces the recorded fingerprint.
func Restore(ctx context.Context, s Snapshot, opts ...Option) (*Registrar, error) {
	if len(s.Attestations) != s.AttestationCount {
		return nil, fmt.Errorf("snapshot carries %d of %d attestations", len(s.Attestations), s.AttestationCount)
	}
	r, err := Replay(ctx, s.Attestations, opts...)
	if err != nil {
		return nil, err
	}
	got, err := r.Fingerprint()
	if err != nil {
		return nil, err
	}
	if got != s.Fingerprint {
		return nil, &domain.ReplayDivergenceError{
			Seq:      s.LastSeq,
			Field:    "fingerprint",
			Recorded: s.Fingerprint.String(),
			Replayed: got.String(),
		}
	}
	return r, nil
}
