// Package invariant holds the closed set of checks every proposed transition
// must pass. Structural invariants guard identity, lineage and ordering of
// any tracked record; domain invariants guard ownership, accessibility,
// lifecycle and graph rules. Both sets are sealed: the only implementations
// live in this package and evaluation order is the order of Structural() and
// Domain().
package invariant

import (
	"registrar/internal/arbiter"
	"registrar/internal/domain"
)

// Transition is a fully built proposal awaiting judgement.
type Transition struct {
	Request domain.Request
	// Current is the registered record for the target, nil when the target
	// is unknown or being created.
	Current  *domain.Stream
	Proposed domain.Stream
	Creating bool
	// LastOrder is the order index of the most recent accepted transition.
	LastOrder int64
	Authority arbiter.Authority
}

// Invariant is the behaviour shared by both layers.
type Invariant interface {
	ID() string
	Description() string
	// Severity is the failure mode: the severity of the invariant's most
	// severe violation.
	Severity() domain.Severity
	Check(t Transition, states map[string]domain.Stream) []domain.Violation
}

// StructuralInvariant is sealed to this package.
type StructuralInvariant interface {
	Invariant
	structural()
}

// DomainInvariant is sealed to this package.
type DomainInvariant interface {
	Invariant
	domainRule()
}

// Result is the outcome of running the pipeline over one transition.
type Result struct {
	Violations []domain.Violation
	Checked    []string
}

// Denied reports whether any violation blocks the transition.
func (r Result) Denied() bool {
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			return true
		}
	}
	return false
}

// Blocking returns the REJECT and HALT violations in order.
func (r Result) Blocking() []domain.Violation {
	var out []domain.Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Halted reports whether any violation is HALT.
func (r Result) Halted() bool {
	for _, v := range r.Violations {
		if v.Severity == domain.SeverityHalt {
			return true
		}
	}
	return false
}

// Evaluate runs the structural layer, then the domain layer if the
// structural layer raised nothing blocking. A HALT from any invariant stops
// evaluation immediately.
func Evaluate(t Transition, states map[string]domain.Stream) Result {
	var res Result
	for _, inv := range structuralLayer {
		res.Checked = append(res.Checked, inv.ID())
		res.Violations = append(res.Violations, inv.Check(t, states)...)
		if res.Halted() {
			return res
		}
	}
	if res.Denied() {
		return res
	}
	for _, inv := range domainLayer {
		res.Checked = append(res.Checked, inv.ID())
		res.Violations = append(res.Violations, inv.Check(t, states)...)
		if res.Halted() {
			return res
		}
	}
	return res
}

// Descriptors lists every invariant in evaluation order.
func Descriptors() []domain.InvariantDescriptor {
	var out []domain.InvariantDescriptor
	for _, inv := range Structural() {
		out = append(out, describe(inv, "structural"))
	}
	for _, inv := range Domain() {
		out = append(out, describe(inv, "domain"))
	}
	return out
}

func describe(inv Invariant, layer string) domain.InvariantDescriptor {
	return domain.InvariantDescriptor{
		ID:          inv.ID(),
		Layer:       layer,
		Severity:    inv.Severity(),
		Description: inv.Description(),
	}
}

// meta carries the identity shared by every invariant value.
type meta struct {
	id       string
	desc     string
	severity domain.Severity
}

func (m meta) ID() string                { return m.id }
func (m meta) Description() string       { return m.desc }
func (m meta) Severity() domain.Severity { return m.severity }

func (m meta) violation(code, msg string) domain.Violation {
	return m.violationAt(m.severity, code, msg)
}

func (m meta) violationAt(sev domain.Severity, code, msg string) domain.Violation {
	return domain.Violation{InvariantID: m.id, Code: code, Severity: sev, Message: msg}
}
