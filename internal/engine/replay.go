package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"registrar/internal/arbiter"
	"registrar/internal/domain"
)

// Replay rebuilds a registrar from an attestation log by re-deciding every
// recorded request with its recorded id, timestamp and stream id. The
// rebuilt registrar must reach the same outcome for every attestation; any
// difference is returned as a *domain.ReplayDivergenceError. Nothing is
// published during replay. A recorded halt is reproduced and then cleared,
// so the returned registrar accepts requests again.
func Replay(ctx context.Context, log []domain.Attestation, opts ...Option) (*Registrar, error) {
	r := New(opts...)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range log {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.replayOne(a); err != nil {
			return nil, err
		}
	}
	r.logger.Debug("replay complete", "attestations", len(log), "streams", len(r.states), "last_order", r.lastOrder)
	return r, nil
}

// Replay rebuilds a fresh registrar from this registrar's own log.
func (r *Registrar) Replay(ctx context.Context, opts ...Option) (*Registrar, error) {
	return Replay(ctx, r.store.All(), opts...)
}

// Verify replays the log and checks that it reproduces the live state.
func (r *Registrar) Verify(ctx context.Context) error {
	r.mu.Lock()
	log := r.store.All()
	want, err := fingerprint(r.states, r.lastOrder)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	rebuilt, err := Replay(ctx, log)
	if err != nil {
		return err
	}
	got, err := rebuilt.Fingerprint()
	if err != nil {
		return err
	}
	if got != want {
		return &domain.ReplayDivergenceError{
			Seq:      int64(len(log)),
			Field:    "fingerprint",
			Recorded: want.String(),
			Replayed: got.String(),
		}
	}
	return nil
}

func (r *Registrar) replayOne(a domain.Attestation) error {
	diverged := func(field, recorded, replayed string) error {
		return &domain.ReplayDivergenceError{
			AttestationID: a.ID, Seq: a.Seq, Field: field, Recorded: recorded, Replayed: replayed,
		}
	}

	req, err := normalize(a.Request())
	if err != nil {
		return diverged("request", "valid", err.Error())
	}
	pin := &pinned{id: a.ID, timestamp: a.Timestamp, streamID: a.StreamID}

	var d domain.Decision
	if lostArbitration(a) {
		parent, ok := r.store.Get(a.ParentID)
		switch {
		case !ok:
			return diverged("parent_id", a.ParentID, "")
		case parent.Decision != domain.DecisionAllowed || parent.StreamID != a.StreamID:
			return diverged("parent_id", a.ParentID, fmt.Sprintf("%s on %s", parent.Decision, parent.StreamID))
		}
		d, err = r.loseArbitration(req, a.ParentID, pin, false)
	} else {
		d, err = r.decide(req, pin, false)
	}
	if err != nil {
		if errors.As(err, new(*domain.DuplicateIDError)) {
			return diverged("id", a.ID, "duplicate")
		}
		return fmt.Errorf("replay attestation %s: %w", a.ID, err)
	}

	switch {
	case a.Seq != 0 && d.Seq != a.Seq:
		return diverged("seq", strconv.FormatInt(a.Seq, 10), strconv.FormatInt(d.Seq, 10))
	case d.Kind != a.Decision:
		return diverged("decision", string(a.Decision), string(d.Kind))
	case d.StreamID != a.StreamID:
		return diverged("stream_id", a.StreamID, d.StreamID)
	case !slices.Equal(d.ViolationIDs(), a.ViolationIDs()):
		return diverged("violations", strings.Join(a.ViolationIDs(), ","), strings.Join(d.ViolationIDs(), ","))
	case d.AccessibilityDriven != a.AccessibilityDriven:
		return diverged("accessibility_driven", strconv.FormatBool(a.AccessibilityDriven), strconv.FormatBool(d.AccessibilityDriven))
	}
	if d.Halted() {
		r.halt = nil
	}
	return nil
}

func lostArbitration(a domain.Attestation) bool {
	return a.ParentID != "" && len(a.InvariantsChecked) == 1 && a.InvariantsChecked[0] == arbiter.SingleWinner
}
