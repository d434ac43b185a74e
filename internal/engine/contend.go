package engine

import (
	"context"
	"fmt"
	"time"

	"registrar/internal/arbiter"
	"registrar/internal/domain"
)

// Contend resolves simultaneous requests against one stream. Requests are
// evaluated in arbitration order; the first allowed one wins and every
// request after it is denied without evaluation. Every request is attested.
// Decisions are returned in arbitration order.
func (r *Registrar) Contend(ctx context.Context, reqs []domain.Request) ([]domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, &domain.ValidationError{Field: "requests", Message: "at least one request is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrHalted, r.halt.Reason)
	}

	normalized := make([]domain.Request, len(reqs))
	for i, req := range reqs {
		n, err := normalize(req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if n.Target == "" {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("requests[%d].target", i), Message: "contended requests need an explicit target"}
		}
		if i > 0 && n.Target != normalized[0].Target {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("requests[%d].target", i),
				Message: fmt.Sprintf("target %s differs from %s", n.Target, normalized[0].Target)}
		}
		normalized[i] = n
	}

	order := arbiter.Order(normalized)
	out := make([]domain.Decision, 0, len(order))
	winner := ""
	for _, c := range order {
		if winner != "" {
			d, err := r.loseArbitration(c.Request, winner, nil, true)
			if err != nil {
				return out, err
			}
			out = append(out, d)
			continue
		}
		d, err := r.decide(c.Request, nil, true)
		if err != nil {
			return out, err
		}
		out = append(out, d)
		if d.Halted() {
			break
		}
		if d.Allowed() {
			winner = d.AttestationID
		}
	}
	return out, nil
}

// loseArbitration records the denial of a request that arrived behind the
// winner of its batch. parent is the winner's attestation id.
func (r *Registrar) loseArbitration(req domain.Request, parent string, pin *pinned, publish bool) (domain.Decision, error) {
	started := time.Now()
	ts, id := r.stamp(pin)
	v := domain.Violation{
		InvariantID: arbiter.SingleWinner,
		Code:        arbiter.CodeLostArbitration,
		Severity:    domain.SeverityReject,
		Message:     fmt.Sprintf("stream %s already changed by attestation %s in this batch", req.Target, parent),
	}
	att := domain.Attestation{
		ID:                id,
		Timestamp:         ts,
		Actor:             req.Actor,
		Action:            req.Action,
		Target:            req.Target,
		StreamID:          req.Target,
		Decision:          domain.DecisionDenied,
		Reason:            domain.JoinCodes([]domain.Violation{v}),
		RequestReason:     req.Reason,
		InvariantsChecked: []string{arbiter.SingleWinner},
		Violations:        []domain.Violation{v},
		ParentID:          parent,
		Metadata:          req.Metadata,
	}
	recorded, err := r.store.Record(att)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("record attestation: %w", err)
	}
	if publish {
		r.emit(recorded, started)
	}
	return decisionFrom(recorded, req), nil
}
