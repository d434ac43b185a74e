package domain

import (
	"slices"
	"time"
)

// StreamState is the lifecycle state of a stream.
type StreamState string

const (
	StateIdle         StreamState = "IDLE"
	StateCompiling    StreamState = "COMPILING"
	StateSynthesizing StreamState = "SYNTHESIZING"
	StatePlaying      StreamState = "PLAYING"
	StateInterrupting StreamState = "INTERRUPTING"
	StateStopped      StreamState = "STOPPED"
	StateFailed       StreamState = "FAILED"
)

// States lists every lifecycle state in declaration order.
func States() []StreamState {
	return []StreamState{
		StateIdle, StateCompiling, StateSynthesizing, StatePlaying,
		StateInterrupting, StateStopped, StateFailed,
	}
}

func (s StreamState) Valid() bool {
	return slices.Contains(States(), s)
}

// Terminal reports whether only RESTART may leave s.
func (s StreamState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

type OverrideScope string

const (
	ScopeSession OverrideScope = "session"
	ScopeUser    OverrideScope = "user"
)

type Ownership struct {
	StreamID      string    `json:"stream_id"`
	SessionID     string    `json:"session_id"`
	OwnerID       string    `json:"owner_id,omitempty"`
	Priority      int       `json:"priority"`
	Interruptible bool      `json:"interruptible"`
	CreatedAt     time.Time `json:"created_at"`
	Delegates     []string  `json:"delegates,omitempty"`
}

func (o Ownership) Owned() bool { return o.OwnerID != "" }

func (o Ownership) IsDelegate(actor string) bool {
	return slices.Contains(o.Delegates, actor)
}

// Accessibility is the user override attached to a stream. It only changes
// through the ENABLE_OVERRIDE, UPDATE_OVERRIDE and DISABLE_OVERRIDE actions.
type Accessibility struct {
	SpeechRate         *float64      `json:"speech_rate,omitempty"`
	PauseAmplification *float64      `json:"pause_amplification,omitempty"`
	ForcedCaptions     bool          `json:"forced_captions"`
	Scope              OverrideScope `json:"scope,omitempty"`
	Active             bool          `json:"active"`
	HolderID           string        `json:"holder_id,omitempty"`
	SessionID          string        `json:"session_id,omitempty"`
}

// Equal compares by value, including the optional factors.
func (a Accessibility) Equal(b Accessibility) bool {
	return floatPtrEqual(a.SpeechRate, b.SpeechRate) &&
		floatPtrEqual(a.PauseAmplification, b.PauseAmplification) &&
		a.ForcedCaptions == b.ForcedCaptions &&
		a.Scope == b.Scope &&
		a.Active == b.Active &&
		a.HolderID == b.HolderID &&
		a.SessionID == b.SessionID
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Stream is one version-stamped record in the registrar's state table.
type Stream struct {
	ID             string        `json:"id"`
	State          StreamState   `json:"state"`
	Ownership      Ownership     `json:"ownership"`
	Accessibility  Accessibility `json:"accessibility"`
	Version        int64         `json:"version"`
	ParentVersion  int64         `json:"parent_version"`
	OrderIndex     int64         `json:"order_index"`
	GraphRevision  int64         `json:"graph_revision"`
	CommitRevision int64         `json:"commit_revision"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the table's slices or
// pointers.
func (s Stream) Clone() Stream {
	out := s
	out.Ownership.Delegates = slices.Clone(s.Ownership.Delegates)
	if s.Accessibility.SpeechRate != nil {
		v := *s.Accessibility.SpeechRate
		out.Accessibility.SpeechRate = &v
	}
	if s.Accessibility.PauseAmplification != nil {
		v := *s.Accessibility.PauseAmplification
		out.Accessibility.PauseAmplification = &v
	}
	return out
}

// Request is a proposed change submitted by an actor.
type Request struct {
	Action   Action     `json:"action"`
	Actor    string     `json:"actor"`
	Target   string     `json:"target,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Metadata Extensions `json:"metadata"`
}

type Severity string

const (
	SeverityInfo   Severity = "INFO"
	SeverityWarn   Severity = "WARN"
	SeverityReject Severity = "REJECT"
	SeverityHalt   Severity = "HALT"
)

// Blocking reports whether the severity denies the request.
func (s Severity) Blocking() bool {
	return s == SeverityReject || s == SeverityHalt
}

type Violation struct {
	InvariantID string   `json:"invariant_id"`
	Code        string   `json:"code"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
}

type EffectKind string

const (
	EffectBeginCompile       EffectKind = "begin_compile"
	EffectBeginSynthesis     EffectKind = "begin_synthesis"
	EffectEmitAudio          EffectKind = "emit_audio"
	EffectCancelAudio        EffectKind = "cancel_audio"
	EffectReleaseResources   EffectKind = "release_resources"
	EffectResetStream        EffectKind = "reset_stream"
	EffectNotifyOwnerChange  EffectKind = "notify_owner_change"
	EffectApplyAccessibility EffectKind = "apply_accessibility"
	EffectRebuildGraph       EffectKind = "rebuild_graph"
	EffectCheckpointGraph    EffectKind = "checkpoint_graph"
)

// Effect is work the caller must perform after an allowed decision.
type Effect struct {
	Kind     EffectKind `json:"kind"`
	StreamID string     `json:"stream_id"`
	Detail   string     `json:"detail,omitempty"`
}

type DecisionKind string

const (
	DecisionAllowed DecisionKind = "ALLOWED"
	DecisionDenied  DecisionKind = "DENIED"
	DecisionHalted  DecisionKind = "HALTED"
)

// Decision is the outcome of one request. A denial is a normal result, not
// an error; a halt means the registrar refuses all further requests.
type Decision struct {
	Kind                DecisionKind `json:"kind"`
	Request             Request      `json:"request"`
	StreamID            string       `json:"stream_id,omitempty"`
	Violations          []Violation  `json:"violations,omitempty"`
	Effects             []Effect     `json:"effects,omitempty"`
	InvariantsChecked   []string     `json:"invariants_checked"`
	AttestationID       string       `json:"attestation_id"`
	Seq                 int64        `json:"seq"`
	Timestamp           time.Time    `json:"timestamp"`
	AccessibilityDriven bool         `json:"accessibility_driven"`
	Reason              string       `json:"reason"`
}

func (d Decision) Allowed() bool { return d.Kind == DecisionAllowed }

func (d Decision) Halted() bool { return d.Kind == DecisionHalted }

// Blocking returns the violations that caused a denial or halt.
func (d Decision) Blocking() []Violation {
	var out []Violation
	for _, v := range d.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Code is the stable error code of the first blocking violation.
func (d Decision) Code() string {
	if b := d.Blocking(); len(b) > 0 {
		return b[0].Code
	}
	return ""
}

// Attestation is the immutable record of one decision.
type Attestation struct {
	ID                  string       `json:"id"`
	Seq                 int64        `json:"seq"`
	Timestamp           time.Time    `json:"timestamp"`
	Actor               string       `json:"actor"`
	Action              Action       `json:"action"`
	Target              string       `json:"target,omitempty"`
	StreamID            string       `json:"stream_id,omitempty"`
	Decision            DecisionKind `json:"decision"`
	Reason              string       `json:"reason"`
	RequestReason       string       `json:"request_reason,omitempty"`
	InvariantsChecked   []string     `json:"invariants_checked"`
	Violations          []Violation  `json:"violations,omitempty"`
	AccessibilityDriven bool         `json:"accessibility_driven"`
	ParentID            string       `json:"parent_id,omitempty"`
	Metadata            Extensions   `json:"metadata"`
}

// Request rebuilds the request this attestation decided on.
func (a Attestation) Request() Request {
	return Request{
		Action:   a.Action,
		Actor:    a.Actor,
		Target:   a.Target,
		Reason:   a.RequestReason,
		Metadata: a.Metadata.Clone(),
	}
}

// ViolationIDs returns the invariant ids of blocking violations in order.
func (a Attestation) ViolationIDs() []string {
	return blockingIDs(a.Violations)
}

func blockingIDs(vs []Violation) []string {
	var out []string
	for _, v := range vs {
		if v.Severity.Blocking() {
			out = append(out, v.InvariantID)
		}
	}
	return out
}

// ViolationIDs returns the invariant ids of blocking violations in order.
func (d Decision) ViolationIDs() []string {
	return blockingIDs(d.Violations)
}

// InvariantDescriptor describes one registered invariant.
type InvariantDescriptor struct {
	ID          string   `json:"id"`
	Layer       string   `json:"layer" enum:"structural,domain"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}
