// Package arbiter decides which actor may mutate a stream and orders
// competing requests deterministically.
package arbiter

import (
	"sort"

	"registrar/internal/domain"
)

// DefaultPriority applies when neither the request nor the stream names one.
const DefaultPriority = 5

// SingleWinner is the rule recorded against every request that lost a
// contended batch.
const (
	SingleWinner        = "arbitration.single_winner"
	CodeLostArbitration = "lost_arbitration"
)

// Level is an actor's authority over a stream, strictly ordered.
type Level int

const (
	LevelNone Level = iota
	LevelDelegate
	LevelOwner
	LevelOverride
)

func (l Level) String() string {
	switch l {
	case LevelOverride:
		return "override"
	case LevelOwner:
		return "owner"
	case LevelDelegate:
		return "delegate"
	default:
		return "none"
	}
}

// Authority is the result of resolving an actor against a stream.
type Authority struct {
	Level Level
	// Overridden is set when an active override exists but does not back the
	// request.
	Overridden bool
}

// Resolve returns the highest authority the request's actor holds over
// current. The override level only applies to interrupt-class actions.
func Resolve(current *domain.Stream, req domain.Request) Authority {
	if current == nil {
		return Authority{}
	}
	var auth Authority
	if req.Action.InterruptClass() && current.Accessibility.Active {
		if OverrideBacks(*current, req) {
			return Authority{Level: LevelOverride}
		}
		auth.Overridden = true
	}
	switch {
	case current.Ownership.Owned() && current.Ownership.OwnerID == req.Actor:
		auth.Level = LevelOwner
	case current.Ownership.IsDelegate(req.Actor):
		auth.Level = LevelDelegate
	}
	return auth
}

// OverrideBacks reports whether the stream's active override stands behind
// the request: the actor holds the override, or the request comes from the
// override's session (session scope) or on behalf of its holder (user
// scope).
func OverrideBacks(s domain.Stream, req domain.Request) bool {
	a := s.Accessibility
	if !a.Active {
		return false
	}
	if req.Actor == a.HolderID {
		return true
	}
	switch a.Scope {
	case domain.ScopeUser:
		uid, ok, err := req.Metadata.String(domain.MetaUserID)
		return err == nil && ok && uid == a.HolderID
	default:
		session := s.Ownership.SessionID
		if sid, ok, err := req.Metadata.String(domain.MetaSessionID); err == nil && ok {
			session = sid
		}
		overrideSession := a.SessionID
		if overrideSession == "" {
			overrideSession = s.Ownership.SessionID
		}
		return session == overrideSession
	}
}

// Contender is one request in a simultaneous batch.
type Contender struct {
	Request  domain.Request
	Arrival  int
	Priority int
}

// Priority reads the request priority, falling back to DefaultPriority.
func Priority(req domain.Request) int {
	p, ok, err := req.Metadata.Int(domain.MetaPriority)
	if err != nil || !ok {
		return DefaultPriority
	}
	return int(p)
}

// Order sorts a batch by priority descending, then arrival order, then
// actor id. The result is a total order, so the same batch always yields
// the same sequence.
func Order(reqs []domain.Request) []Contender {
	out := make([]Contender, len(reqs))
	for i, r := range reqs {
		out[i] = Contender{Request: r, Arrival: i, Priority: Priority(r)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// Less is the arbitration order.
func Less(a, b Contender) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Arrival != b.Arrival {
		return a.Arrival < b.Arrival
	}
	return a.Request.Actor < b.Request.Actor
}
