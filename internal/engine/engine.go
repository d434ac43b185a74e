// Package engine is the registrar: the single authority that decides, attests
// and applies every change to stream state.
package engine

import (
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"registrar/internal/attest"
	"registrar/internal/codec"
	"registrar/internal/domain"
	"registrar/internal/invariant"
)

// Publisher receives each attestation after it is recorded in memory.
type Publisher interface {
	Publish(a domain.Attestation) bool
}

// Recorder receives decision telemetry.
type Recorder interface {
	ObserveDecision(action domain.Action, kind domain.DecisionKind, elapsed time.Duration)
	IncViolation(invariantID, code string)
	IncHalt()
}

// Registrar owns the stream table and the attestation log. Both are only
// written inside Request, Contend and replay, under mu.
type Registrar struct {
	mu        sync.Mutex
	states    map[string]domain.Stream
	store     *attest.Store
	lastOrder int64
	halt      *domain.HaltInfo

	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	publisher Publisher
	recorder  Recorder
}

type Option func(*Registrar)

// WithClock sets the decision clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registrar) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDs sets the generator for attestation and minted stream ids.
func WithIDs(newID func() string) Option {
	return func(r *Registrar) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registrar) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(r *Registrar) { r.publisher = p }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Registrar) { r.recorder = rec }
}

func New(opts ...Option) *Registrar {
	r := &Registrar{
		states: make(map[string]domain.Stream),
		store:  attest.NewStore(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetState returns a copy of the stream record. No attestation is produced.
func (r *Registrar) GetState(id string) (domain.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok {
		return domain.Stream{}, false
	}
	return s.Clone(), true
}

// ListStates returns copies of every stream record keyed by id.
func (r *Registrar) ListStates() map[string]domain.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneStates(r.states)
}

// Query returns matching attestations in sequence order.
func (r *Registrar) Query(f attest.Filter) []domain.Attestation {
	return r.store.Query(f)
}

func (r *Registrar) Attestation(id string) (domain.Attestation, bool) {
	return r.store.Get(id)
}

// Attestations returns the full attestation log.
func (r *Registrar) Attestations() []domain.Attestation {
	return r.store.All()
}

// AttestationCount is the number of recorded attestations.
func (r *Registrar) AttestationCount() int {
	return r.store.Count()
}

// Invariants describes every invariant in evaluation order.
func (r *Registrar) Invariants() []domain.InvariantDescriptor {
	return invariant.Descriptors()
}

// Halted reports whether a HALT decision has stopped the registrar.
func (r *Registrar) Halted() (domain.HaltInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt == nil {
		return domain.HaltInfo{}, false
	}
	return *r.halt, true
}

// Fingerprint digests the stream table and ordering position.
func (r *Registrar) Fingerprint() (codec.Fingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fingerprint(r.states, r.lastOrder)
}

type stateDigest struct {
	States    map[string]domain.Stream `json:"states"`
	LastOrder int64                    `json:"last_order"`
}

func fingerprint(states map[string]domain.Stream, lastOrder int64) (codec.Fingerprint, error) {
	return codec.Sum(stateDigest{States: states, LastOrder: lastOrder})
}

func cloneStates(in map[string]domain.Stream) map[string]domain.Stream {
	out := make(map[string]domain.Stream, len(in))
	for k, v := range maps.All(in) {
		out[k] = v.Clone()
	}
	return out
}
