// Package sink delivers published attestations to external systems: a Redis
// stream, a Kafka topic, a PostgreSQL table and HTTP webhooks. Every sink
// implements attest.Sink and is fed by the attestation publisher.
package sink

import (
	"encoding/json"
	"time"

	"registrar/internal/domain"
)

// Envelope is the JSON body every sink emits for one attestation.
type Envelope struct {
	Seq                 int64               `json:"seq"`
	ID                  string              `json:"id"`
	Timestamp           time.Time           `json:"timestamp"`
	Actor               string              `json:"actor"`
	Action              domain.Action       `json:"action"`
	Target              string              `json:"target,omitempty"`
	StreamID            string              `json:"stream_id,omitempty"`
	Decision            domain.DecisionKind `json:"decision"`
	Reason              string              `json:"reason"`
	RequestReason       string              `json:"request_reason,omitempty"`
	InvariantsChecked   []string            `json:"invariants_checked"`
	Violations          []domain.Violation  `json:"violations"`
	AccessibilityDriven bool                `json:"accessibility_driven"`
	ParentID            string              `json:"parent_id,omitempty"`
	Metadata            domain.Extensions   `json:"metadata"`
}

func envelope(a domain.Attestation) Envelope {
	vs := a.Violations
	if vs == nil {
		vs = []domain.Violation{}
	}
	return Envelope{
		Seq:                 a.Seq,
		ID:                  a.ID,
		Timestamp:           a.Timestamp,
		Actor:               a.Actor,
		Action:              a.Action,
		Target:              a.Target,
		StreamID:            a.StreamID,
		Decision:            a.Decision,
		Reason:              a.Reason,
		RequestReason:       a.RequestReason,
		InvariantsChecked:   a.InvariantsChecked,
		Violations:          vs,
		AccessibilityDriven: a.AccessibilityDriven,
		ParentID:            a.ParentID,
		Metadata:            a.Metadata,
	}
}

// Encode renders a as the JSON envelope.
func Encode(a domain.Attestation) ([]byte, error) {
	return json.Marshal(envelope(a))
}
