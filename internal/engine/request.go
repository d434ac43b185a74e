package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"registrar/internal/arbiter"
	"registrar/internal/domain"
	"registrar/internal/invariant"
)

// pinned fixes the non-deterministic inputs of a decision during replay.
type pinned struct {
	id        string
	timestamp time.Time
	streamID  string
}

// Request evaluates req, records an attestation and applies the change when
// it is allowed. A denial is returned as a Decision, not an error. Errors
// are reserved for malformed requests (no attestation) and for a halted
// registrar.
func (r *Registrar) Request(ctx context.Context, req domain.Request) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return domain.Decision{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt != nil {
		return domain.Decision{}, fmt.Errorf("%w: %s", domain.ErrHalted, r.halt.Reason)
	}
	req, err := normalize(req)
	if err != nil {
		return domain.Decision{}, err
	}
	return r.decide(req, nil, true)
}

// normalize validates req and returns it with canonical action and metadata.
func normalize(req domain.Request) (domain.Request, error) {
	action, err := domain.ParseAction(string(req.Action))
	if err != nil {
		return req, err
	}
	req.Action = action
	req.Actor = strings.TrimSpace(req.Actor)
	req.Target = strings.TrimSpace(req.Target)
	if req.Actor == "" {
		return req, &domain.ValidationError{Field: "actor", Message: "actor is required"}
	}
	if req.Target == "" && action != domain.ActionStart {
		return req, &domain.ValidationError{Field: "target", Message: fmt.Sprintf("%s requires a target stream", action)}
	}
	if req.Metadata.Schema == 0 {
		req.Metadata.Schema = domain.ExtensionsSchema
	}
	if err := req.Metadata.Validate(); err != nil {
		return req, err
	}
	if err := validateMetadata(req); err != nil {
		return req, err
	}
	return req, nil
}

func validateMetadata(req domain.Request) error {
	md := req.Metadata
	if p, ok, err := md.Int(domain.MetaPriority); err != nil {
		return err
	} else if ok && (p < 1 || p > 10) {
		return &domain.ValidationError{Field: "metadata." + domain.MetaPriority, Message: fmt.Sprintf("priority %d outside 1..10", p)}
	}
	for _, k := range []string{domain.MetaSessionID, domain.MetaUserID, domain.MetaNewOwner, domain.MetaMode, domain.MetaScope} {
		if _, _, err := md.String(k); err != nil {
			return err
		}
	}
	for _, k := range []string{domain.MetaInterruptible, domain.MetaForcedCaptions, domain.MetaOverrideActive} {
		if _, _, err := md.Bool(k); err != nil {
			return err
		}
	}
	for _, k := range []string{domain.MetaSpeechRate, domain.MetaPauseAmplification} {
		f, ok, err := md.Float(k)
		if err != nil {
			return err
		}
		if ok && f <= 0 {
			return &domain.ValidationError{Field: "metadata." + k, Message: "must be positive"}
		}
	}
	if mode, ok, _ := md.String(domain.MetaMode); ok && mode != modeHandoff && mode != modeDelegate {
		return &domain.ValidationError{Field: "metadata." + domain.MetaMode, Message: fmt.Sprintf("unknown transfer mode %q", mode)}
	}
	if scope, ok, _ := md.String(domain.MetaScope); ok &&
		domain.OverrideScope(scope) != domain.ScopeSession && domain.OverrideScope(scope) != domain.ScopeUser {
		return &domain.ValidationError{Field: "metadata." + domain.MetaScope, Message: fmt.Sprintf("unknown override scope %q", scope)}
	}
	rev, hasRev, err := md.Int(domain.MetaToRevision)
	if err != nil {
		return err
	}
	if hasRev && rev < 0 {
		return &domain.ValidationError{Field: "metadata." + domain.MetaToRevision, Message: "must not be negative"}
	}
	switch req.Action {
	case domain.ActionTransfer:
		if owner, _, _ := md.String(domain.MetaNewOwner); strings.TrimSpace(owner) == "" {
			return &domain.ValidationError{Field: "metadata." + domain.MetaNewOwner, Message: "TRANSFER requires new_owner"}
		}
	case domain.ActionRollback:
		if !hasRev {
			return &domain.ValidationError{Field: "metadata." + domain.MetaToRevision, Message: "ROLLBACK requires to_revision"}
		}
	}
	return nil
}

// decide runs the pipeline and commits the outcome. Callers hold r.mu.
func (r *Registrar) decide(req domain.Request, pin *pinned, publish bool) (domain.Decision, error) {
	started := time.Now()
	ts, id := r.stamp(pin)
	t := r.propose(req, ts, pin)
	res := invariant.Evaluate(t, r.states)

	kind := domain.DecisionAllowed
	switch {
	case res.Halted():
		kind = domain.DecisionHalted
	case res.Denied():
		kind = domain.DecisionDenied
	}

	driven := req.Action.Class() == domain.ClassAccessibility ||
		(req.Action.InterruptClass() && t.Current != nil && t.Current.Accessibility.Active)

	att := domain.Attestation{
		ID:                  id,
		Timestamp:           ts,
		Actor:               req.Actor,
		Action:              req.Action,
		Target:              req.Target,
		StreamID:            t.Proposed.ID,
		Decision:            kind,
		Reason:              decisionReason(kind, res, t.Authority),
		RequestReason:       req.Reason,
		InvariantsChecked:   res.Checked,
		Violations:          res.Violations,
		AccessibilityDriven: driven,
		Metadata:            req.Metadata,
	}
	recorded, err := r.store.Record(att)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("record attestation: %w", err)
	}

	switch kind {
	case domain.DecisionAllowed:
		r.states[t.Proposed.ID] = t.Proposed
		r.lastOrder = t.Proposed.OrderIndex
	case domain.DecisionHalted:
		r.halt = haltInfo(recorded, res)
		r.logger.Error("registrar halted",
			"attestation_id", recorded.ID,
			"invariant", r.halt.InvariantID,
			"actor", req.Actor,
			"action", req.Action,
			"stream_id", recorded.StreamID,
		)
	default:
		r.logger.Debug("request denied",
			"attestation_id", recorded.ID,
			"actor", req.Actor,
			"action", req.Action,
			"stream_id", recorded.StreamID,
			"reason", recorded.Reason,
		)
	}

	if publish {
		r.emit(recorded, started)
	}
	return decisionFrom(recorded, req), nil
}

// stamp returns the timestamp and attestation id for a decision.
func (r *Registrar) stamp(pin *pinned) (time.Time, string) {
	if pin != nil {
		return pin.timestamp, pin.id
	}
	return r.now().UTC(), r.newID()
}

// emit hands a recorded attestation to the publisher and recorder.
func (r *Registrar) emit(a domain.Attestation, started time.Time) {
	if r.publisher != nil && !r.publisher.Publish(a) {
		r.logger.Warn("attestation publisher closed", "attestation_id", a.ID, "seq", a.Seq)
	}
	if r.recorder == nil {
		return
	}
	r.recorder.ObserveDecision(a.Action, a.Decision, time.Since(started))
	for _, v := range a.Violations {
		if v.Severity.Blocking() {
			r.recorder.IncViolation(v.InvariantID, v.Code)
		}
	}
	if a.Decision == domain.DecisionHalted {
		r.recorder.IncHalt()
	}
}

func decisionReason(kind domain.DecisionKind, res invariant.Result, auth arbiter.Authority) string {
	switch kind {
	case domain.DecisionHalted:
		return "HALT: " + domain.JoinCodes(res.Blocking())
	case domain.DecisionDenied:
		return domain.JoinCodes(res.Blocking())
	}
	if auth.Level == arbiter.LevelOverride {
		return "allowed: backed by accessibility override"
	}
	return "allowed"
}

func haltInfo(a domain.Attestation, res invariant.Result) *domain.HaltInfo {
	info := &domain.HaltInfo{AttestationID: a.ID, Reason: a.Reason, Violations: res.Blocking()}
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityHalt {
			info.InvariantID = v.InvariantID
			break
		}
	}
	return info
}

func decisionFrom(a domain.Attestation, req domain.Request) domain.Decision {
	d := domain.Decision{
		Kind:                a.Decision,
		Request:             req,
		StreamID:            a.StreamID,
		Violations:          a.Violations,
		InvariantsChecked:   a.InvariantsChecked,
		AttestationID:       a.ID,
		Seq:                 a.Seq,
		Timestamp:           a.Timestamp,
		AccessibilityDriven: a.AccessibilityDriven,
		Reason:              a.Reason,
	}
	if d.Allowed() {
		d.Effects = domain.EffectsFor(a.Action, a.StreamID)
	}
	return d
}
