package engine

import (
	"slices"
	"time"

	"registrar/internal/arbiter"
	"registrar/internal/domain"
	"registrar/internal/invariant"
)

const (
	modeHandoff  = "handoff"
	modeDelegate = "delegate"

	defaultSession = "default"
)

// propose builds the successor record req would produce. It never mutates
// the table; invariants judge the result.
func (r *Registrar) propose(req domain.Request, ts time.Time, pin *pinned) invariant.Transition {
	t := invariant.Transition{Request: req, LastOrder: r.lastOrder}
	next := r.lastOrder + 1

	cur, exists := r.states[req.Target]
	if req.Action == domain.ActionStart && (req.Target == "" || !exists) {
		id := req.Target
		switch {
		case id != "":
		case pin != nil:
			id = pin.streamID
		default:
			id = r.newID()
		}
		t.Creating = true
		t.Proposed = newStream(id, req, ts, next)
		return t
	}
	if !exists {
		t.Proposed = domain.Stream{ID: req.Target, Version: 1, OrderIndex: next, UpdatedAt: ts}
		return t
	}

	current := cur.Clone()
	t.Current = &current
	t.Authority = arbiter.Resolve(t.Current, req)

	p := cur.Clone()
	p.Version = cur.Version + 1
	p.ParentVersion = cur.Version
	p.OrderIndex = next
	p.UpdatedAt = ts
	apply(&p, req, ts)
	t.Proposed = p
	return t
}

func newStream(id string, req domain.Request, ts time.Time, order int64) domain.Stream {
	s := domain.Stream{
		ID:         id,
		State:      domain.StateCompiling,
		Version:    1,
		OrderIndex: order,
		UpdatedAt:  ts,
	}
	s.Ownership = claim(id, req, ts, defaultSession)
	return s
}

// claim builds the ownership record an actor takes on with req.
func claim(id string, req domain.Request, ts time.Time, session string) domain.Ownership {
	md := req.Metadata
	if sid, ok, _ := md.String(domain.MetaSessionID); ok && sid != "" {
		session = sid
	}
	priority := arbiter.DefaultPriority
	if p, ok, _ := md.Int(domain.MetaPriority); ok {
		priority = int(p)
	}
	interruptible := true
	if b, ok, _ := md.Bool(domain.MetaInterruptible); ok {
		interruptible = b
	}
	return domain.Ownership{
		StreamID:      id,
		SessionID:     session,
		OwnerID:       req.Actor,
		Priority:      priority,
		Interruptible: interruptible,
		CreatedAt:     ts,
	}
}

// apply mutates p as req asks.
func apply(p *domain.Stream, req domain.Request, ts time.Time) {
	md := req.Metadata
	if to, ok := req.Action.TargetState(); ok {
		p.State = to
	}
	switch req.Action {
	case domain.ActionClaim:
		session := p.Ownership.SessionID
		if session == "" {
			session = defaultSession
		}
		p.Ownership = claim(p.ID, req, ts, session)
	case domain.ActionRelease:
		p.Ownership.OwnerID = ""
		p.Ownership.Delegates = nil
	case domain.ActionTransfer:
		owner, _, _ := md.String(domain.MetaNewOwner)
		mode, _, _ := md.String(domain.MetaMode)
		if mode == modeDelegate {
			if !slices.Contains(p.Ownership.Delegates, owner) {
				p.Ownership.Delegates = append(p.Ownership.Delegates, owner)
			}
			break
		}
		p.Ownership.OwnerID = owner
		p.Ownership.Delegates = nil
	case domain.ActionEnableOverride:
		patchAccessibility(&p.Accessibility, md, false)
		p.Accessibility.Active = true
		p.Accessibility.HolderID = req.Actor
		if p.Accessibility.Scope == "" {
			p.Accessibility.Scope = domain.ScopeSession
		}
		p.Accessibility.SessionID = p.Ownership.SessionID
		if sid, ok, _ := md.String(domain.MetaSessionID); ok && sid != "" {
			p.Accessibility.SessionID = sid
		}
	case domain.ActionUpdateOverride:
		patchAccessibility(&p.Accessibility, md, false)
	case domain.ActionDisableOverride:
		p.Accessibility.Active = false
	case domain.ActionMutateGraph:
		p.GraphRevision++
	case domain.ActionCommit:
		p.CommitRevision = p.GraphRevision
	case domain.ActionRollback:
		to, _, _ := md.Int(domain.MetaToRevision)
		p.GraphRevision = to
	}
	// Accessibility keys on any other action are applied as given so that
	// the accessibility invariants see the silent change and deny it.
	if req.Action.Class() != domain.ClassAccessibility && md.HasAny(domain.AccessibilityKeys...) {
		patchAccessibility(&p.Accessibility, md, true)
	}
}

func patchAccessibility(a *domain.Accessibility, md domain.Extensions, withActive bool) {
	if f, ok, _ := md.Float(domain.MetaSpeechRate); ok {
		a.SpeechRate = &f
	}
	if f, ok, _ := md.Float(domain.MetaPauseAmplification); ok {
		a.PauseAmplification = &f
	}
	if b, ok, _ := md.Bool(domain.MetaForcedCaptions); ok {
		a.ForcedCaptions = b
	}
	if s, ok, _ := md.String(domain.MetaScope); ok {
		a.Scope = domain.OverrideScope(s)
	}
	if withActive {
		if b, ok, _ := md.Bool(domain.MetaOverrideActive); ok {
			a.Active = b
		}
	}
}
