package server

import (
	"sort"
	"time"

	"registrar/internal/domain"
	"registrar/internal/engine"
)

// Request payloads

type RequestBody struct {
	Action   string         `json:"action" example:"PLAY" doc:"Action name, case-insensitive"`
	Target   string         `json:"target,omitempty" example:"stream-1"`
	Reason   string         `json:"reason,omitempty"`
	Schema   int            `json:"schema,omitempty" minimum:"0" doc:"Metadata schema version; defaults to the current one"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// toRequest builds a domain request on behalf of actor.
func (b RequestBody) toRequest(actor string) (domain.Request, error) {
	ext, err := domain.ExtensionsFromMap(b.Metadata)
	if err != nil {
		return domain.Request{}, err
	}
	if b.Schema != 0 {
		ext.Schema = b.Schema
	}
	return domain.Request{
		Action:   domain.Action(b.Action),
		Actor:    actor,
		Target:   b.Target,
		Reason:   b.Reason,
		Metadata: ext,
	}, nil
}

type ContendItem struct {
	Actor    string         `json:"actor" example:"agent_a"`
	Action   string         `json:"action" example:"INTERRUPT"`
	Target   string         `json:"target"`
	Reason   string         `json:"reason,omitempty"`
	Schema   int            `json:"schema,omitempty" minimum:"0"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ContendBody struct {
	Requests []ContendItem `json:"requests" minItems:"1"`
}

// Responses

type RequestView struct {
	Action   domain.Action  `json:"action"`
	Actor    string         `json:"actor"`
	Target   string         `json:"target,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type DecisionResponse struct {
	Kind                domain.DecisionKind `json:"kind" enum:"ALLOWED,DENIED,HALTED"`
	Request             RequestView         `json:"request"`
	StreamID            string              `json:"stream_id,omitempty"`
	Violations          []domain.Violation  `json:"violations"`
	Effects             []domain.Effect     `json:"effects"`
	InvariantsChecked   []string            `json:"invariants_checked"`
	AttestationID       string              `json:"attestation_id"`
	Seq                 int64               `json:"seq"`
	Timestamp           time.Time           `json:"timestamp"`
	AccessibilityDriven bool                `json:"accessibility_driven"`
	Reason              string              `json:"reason"`
}

type AttestationResponse struct {
	ID                  string              `json:"id"`
	Seq                 int64               `json:"seq"`
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
	Schema              int                 `json:"schema"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
}

type SnapshotResponse struct {
	Version          string                `json:"version"`
	TakenAt          time.Time             `json:"taken_at"`
	States           []domain.Stream       `json:"states"`
	AttestationCount int                   `json:"attestation_count"`
	LastSeq          int64                 `json:"last_seq"`
	LastOrder        int64                 `json:"last_order"`
	Fingerprint      string                `json:"fingerprint"`
	Halt             *domain.HaltInfo      `json:"halt,omitempty"`
	Attestations     []AttestationResponse `json:"attestations,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status" enum:"ok,halted"`
	Attestations int    `json:"attestations"`
	Streams      int    `json:"streams"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Class   string `json:"class"`
	Source  string `json:"source"`
}

func toDecision(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		Kind: d.Kind,
		Request: RequestView{
			Action:   d.Request.Action,
			Actor:    d.Request.Actor,
			Target:   d.Request.Target,
			Reason:   d.Request.Reason,
			Metadata: metadataMap(d.Request.Metadata),
		},
		StreamID:            d.StreamID,
		Violations:          nonNil(d.Violations),
		Effects:             nonNil(d.Effects),
		InvariantsChecked:   nonNil(d.InvariantsChecked),
		AttestationID:       d.AttestationID,
		Seq:                 d.Seq,
		Timestamp:           d.Timestamp,
		AccessibilityDriven: d.AccessibilityDriven,
		Reason:              d.Reason,
	}
}

func toDecisions(ds []domain.Decision) []DecisionResponse {
	out := make([]DecisionResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, toDecision(d))
	}
	return out
}

func toAttestation(a domain.Attestation) AttestationResponse {
	return AttestationResponse{
		ID:                  a.ID,
		Seq:                 a.Seq,
		Timestamp:           a.Timestamp,
		Actor:               a.Actor,
		Action:              a.Action,
		Target:              a.Target,
		StreamID:            a.StreamID,
		Decision:            a.Decision,
		Reason:              a.Reason,
		RequestReason:       a.RequestReason,
		InvariantsChecked:   nonNil(a.InvariantsChecked),
		Violations:          nonNil(a.Violations),
		AccessibilityDriven: a.AccessibilityDriven,
		ParentID:            a.ParentID,
		Schema:              a.Metadata.Schema,
		Metadata:            metadataMap(a.Metadata),
	}
}

func toAttestations(as []domain.Attestation) []AttestationResponse {
	out := make([]AttestationResponse, 0, len(as))
	for _, a := range as {
		out = append(out, toAttestation(a))
	}
	return out
}

func toSnapshot(s engine.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		Version:          s.Version,
		TakenAt:          s.TakenAt,
		States:           sortedStreams(s.States),
		AttestationCount: s.AttestationCount,
		LastSeq:          s.LastSeq,
		LastOrder:        s.LastOrder,
		Fingerprint:      s.Fingerprint.String(),
		Halt:             s.Halt,
	}
	if len(s.Attestations) > 0 {
		resp.Attestations = toAttestations(s.Attestations)
	}
	return resp
}

func sortedStreams(m map[string]domain.Stream) []domain.Stream {
	out := make([]domain.Stream, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func metadataMap(e domain.Extensions) map[string]any {
	if e.Len() == 0 {
		return nil
	}
	return e.Map()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
