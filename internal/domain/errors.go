package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrHalted is returned for every request after a HALT decision until
	// the registrar is rebuilt by replay.
	ErrHalted = errors.New("registrar halted")
)

// ValidationError rejects a malformed request before any invariant runs.
// No attestation is recorded for it.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// DuplicateIDError reports an attestation id that was already recorded.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate attestation id %s", e.ID)
}

// ReplayDivergenceError is a fatal integrity failure: replaying an
// attestation produced a different outcome than the one recorded.
type ReplayDivergenceError struct {
	AttestationID string
	Seq           int64
	Field         string
	Recorded      string
	Replayed      string
}

func (e *ReplayDivergenceError) Error() string {
	return fmt.Sprintf("replay diverged at attestation %s (seq %d): %s recorded %q, replayed %q",
		e.AttestationID, e.Seq, e.Field, e.Recorded, e.Replayed)
}

// HaltInfo describes the decision that halted the registrar.
type HaltInfo struct {
	AttestationID string      `json:"attestation_id"`
	InvariantID   string      `json:"invariant_id"`
	Reason        string      `json:"reason"`
	Violations    []Violation `json:"violations"`
}

// JoinCodes renders violations as "code (invariant): message" joined by "; ".
func JoinCodes(vs []Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", v.Code, v.InvariantID, v.Message))
	}
	return strings.Join(parts, "; ")
}
