package invariant

import (
	"fmt"

	"registrar/internal/arbiter"
	"registrar/internal/domain"
)

// Domain IDs.
const (
	SingleOwner          = "ownership.single_owner"
	RequiredForInterrupt = "ownership.required_for_interrupt"
	OwnerAuthority       = "ownership.authority"
	Supremacy            = "accessibility.supremacy"
	Auditable            = "accessibility.auditable"
	ValidTransition      = "lifecycle.valid_transition"
	NoDeadInterrupt      = "lifecycle.no_dead_interrupt"
	CommitBoundary       = "lifecycle.commit_boundary"
	PluginImmutability   = "plugin.immutability"
)

// Stable violation codes surfaced to callers.
const (
	CodeAlreadyOwned          = "already_owned"
	CodeNotOwner              = "not_owner"
	CodeNoOwner               = "no_owner"
	CodeNotUser               = "not_user"
	CodeNotInterruptible      = "not_interruptible"
	CodeOverrideBacked        = "override_backed"
	CodeAccessibilityOverride = "accessibility_override"
	CodeSilentOverrideDisable = "silent_override_disable"
	CodeSilentChange          = "silent_accessibility_change"
	CodeInvalidTransition     = "invalid_transition"
	CodeDeadInterrupt         = "dead_interrupt"
	CodeCommitBoundary        = "commit_boundary"
	CodeInvalidRevision       = "invalid_revision"
	CodeGraphImmutable        = "graph_immutable"
)

// Domain returns the domain layer in evaluation order.
func Domain() []DomainInvariant {
	return append([]DomainInvariant(nil), domainLayer...)
}

var domainLayer = []DomainInvariant{
	validTransition{meta{ValidTransition, "Lifecycle transitions follow the transition table", domain.SeverityReject}},
	singleOwner{meta{SingleOwner, "A stream has at most one owner; claims need an unowned stream", domain.SeverityReject}},
	requiredForInterrupt{meta{RequiredForInterrupt, "Interrupt and stop need ownership unless an accessibility override backs them", domain.SeverityReject}},
	ownerAuthority{meta{OwnerAuthority, "Other mutations need the owner, a delegate or the actor class the action names", domain.SeverityReject}},
	supremacy{meta{Supremacy, "An active accessibility override cannot be bypassed or silently altered", domain.SeverityHalt}},
	auditable{meta{Auditable, "Accessibility state changes only through accessibility actions", domain.SeverityReject}},
	noDeadInterrupt{meta{NoDeadInterrupt, "Terminal streams cannot be interrupted", domain.SeverityReject}},
	commitBoundary{meta{CommitBoundary, "Rollback never crosses the last commit", domain.SeverityReject}},
	pluginImmutability{meta{PluginImmutability, "Plugins cannot mutate a committed or rendering graph", domain.SeverityReject}},
}

type validTransition struct{ meta }

func (validTransition) domainRule() {}

func (v validTransition) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	to, ok := t.Request.Action.TargetState()
	if !ok {
		return nil
	}
	if t.Creating {
		if t.Request.Action == domain.ActionStart && to == domain.StateCompiling {
			return nil
		}
		return []domain.Violation{v.violation(CodeInvalidTransition,
			fmt.Sprintf("a new stream must be started, not %s", t.Request.Action))}
	}
	if t.Current == nil {
		return nil
	}
	if !domain.IsValidTransition(t.Current.State, to) {
		return []domain.Violation{v.violation(CodeInvalidTransition,
			fmt.Sprintf("invalid transition %s -> %s", t.Current.State, to))}
	}
	return nil
}

type singleOwner struct{ meta }

func (singleOwner) domainRule() {}

func (s singleOwner) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Request.Action != domain.ActionClaim || t.Current == nil {
		return nil
	}
	if t.Current.Ownership.Owned() {
		return []domain.Violation{s.violation(CodeAlreadyOwned,
			fmt.Sprintf("stream %s already owned by %s", t.Current.ID, t.Current.Ownership.OwnerID))}
	}
	return nil
}

type requiredForInterrupt struct{ meta }

func (requiredForInterrupt) domainRule() {}

func (r requiredForInterrupt) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if !t.Request.Action.InterruptClass() || t.Current == nil {
		return nil
	}
	switch t.Authority.Level {
	case arbiter.LevelOverride:
		return []domain.Violation{r.violationAt(domain.SeverityInfo, CodeOverrideBacked,
			fmt.Sprintf("%s by %s backed by accessibility override", t.Request.Action, t.Request.Actor))}
	case arbiter.LevelOwner:
		return nil
	case arbiter.LevelDelegate:
		if !t.Current.Ownership.Interruptible {
			return []domain.Violation{r.violation(r.code(t, CodeNotInterruptible),
				fmt.Sprintf("stream %s is not interruptible by delegates", t.Current.ID))}
		}
		return nil
	}
	if !t.Current.Ownership.Owned() {
		return []domain.Violation{r.violation(r.code(t, CodeNotOwner),
			fmt.Sprintf("stream %s has no owner; %s denied", t.Current.ID, t.Request.Action))}
	}
	return []domain.Violation{r.violation(r.code(t, CodeNotOwner),
		fmt.Sprintf("only owner %s can %s stream %s, not %s",
			t.Current.Ownership.OwnerID, t.Request.Action, t.Current.ID, t.Request.Actor))}
}

// code reports accessibility_override when an active override exists but
// does not back the request, so the denial's first code names the override
// rather than ownership.
func (requiredForInterrupt) code(t Transition, fallback string) string {
	if t.Authority.Overridden {
		return CodeAccessibilityOverride
	}
	return fallback
}

type ownerAuthority struct{ meta }

func (ownerAuthority) domainRule() {}

func (o ownerAuthority) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Current == nil || t.Request.Action.InterruptClass() {
		return nil
	}
	actor := t.Request.Actor
	own := t.Current.Ownership
	level := t.Authority.Level
	switch t.Request.Action {
	case domain.ActionClaim, domain.ActionDisableOverride:
		// single_owner and supremacy own these.
		return nil
	case domain.ActionEnableOverride, domain.ActionUpdateOverride:
		class := domain.ClassifyActor(actor)
		if class == domain.ActorUser || (class == domain.ActorSystem && t.Request.Action == domain.ActionEnableOverride) {
			return nil
		}
		return []domain.Violation{o.violation(CodeNotUser,
			fmt.Sprintf("%s requires a user actor, not %s", t.Request.Action, actor))}
	case domain.ActionRelease, domain.ActionTransfer:
		if level == arbiter.LevelOwner {
			return nil
		}
	case domain.ActionFail:
		if level >= arbiter.LevelDelegate || domain.ClassifyActor(actor) == domain.ActorSystem {
			return nil
		}
	case domain.ActionMutateGraph, domain.ActionCommit, domain.ActionRollback:
		if level >= arbiter.LevelDelegate || domain.IsPlugin(actor) {
			return nil
		}
	default:
		if level >= arbiter.LevelDelegate {
			return nil
		}
	}
	if !own.Owned() {
		return []domain.Violation{o.violation(CodeNoOwner,
			fmt.Sprintf("stream %s has no owner; claim it before %s", t.Current.ID, t.Request.Action))}
	}
	return []domain.Violation{o.violation(CodeNotOwner,
		fmt.Sprintf("%s on stream %s requires owner %s, not %s", t.Request.Action, t.Current.ID, own.OwnerID, actor))}
}

type supremacy struct{ meta }

func (supremacy) domainRule() {}

func (s supremacy) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Current == nil {
		return nil
	}
	action := t.Request.Action
	actor := t.Request.Actor
	if action == domain.ActionDisableOverride && !domain.IsUser(actor) {
		return []domain.Violation{s.violationAt(domain.SeverityReject, CodeAccessibilityOverride,
			fmt.Sprintf("%s cannot disable the accessibility override on stream %s; only users can", actor, t.Current.ID))}
	}
	cur := t.Current.Accessibility
	if !cur.Active {
		return nil
	}
	if !t.Proposed.Accessibility.Active && action != domain.ActionDisableOverride {
		return []domain.Violation{s.violationAt(domain.SeverityHalt, CodeSilentOverrideDisable,
			fmt.Sprintf("accessibility override on stream %s silently disabled by %s via %s", t.Current.ID, actor, action))}
	}
	if action.InterruptClass() && t.Authority.Overridden {
		return []domain.Violation{s.violationAt(domain.SeverityReject, CodeAccessibilityOverride,
			fmt.Sprintf("%s cannot %s stream %s while an accessibility override is active", actor, action, t.Current.ID))}
	}
	if action.Class() != domain.ClassAccessibility &&
		!floatEqual(cur.SpeechRate, t.Proposed.Accessibility.SpeechRate) {
		return []domain.Violation{s.violationAt(domain.SeverityReject, CodeSilentChange,
			fmt.Sprintf("speech rate override on stream %s silently changed via %s", t.Current.ID, action))}
	}
	return nil
}

func floatEqual(a, b *float64) bool {
	return domain.Accessibility{SpeechRate: a}.Equal(domain.Accessibility{SpeechRate: b})
}

type auditable struct{ meta }

func (auditable) domainRule() {}

func (a auditable) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Current == nil || t.Request.Action.Class() == domain.ClassAccessibility {
		return nil
	}
	if !t.Current.Accessibility.Equal(t.Proposed.Accessibility) {
		return []domain.Violation{a.violation(CodeSilentChange,
			fmt.Sprintf("accessibility state changed by %s; use ENABLE_OVERRIDE, UPDATE_OVERRIDE or DISABLE_OVERRIDE", t.Request.Action))}
	}
	return nil
}

type noDeadInterrupt struct{ meta }

func (noDeadInterrupt) domainRule() {}

func (n noDeadInterrupt) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Request.Action != domain.ActionInterrupt || t.Current == nil {
		return nil
	}
	if t.Current.State.Terminal() {
		return []domain.Violation{n.violation(CodeDeadInterrupt,
			fmt.Sprintf("cannot interrupt stream %s in state %s", t.Current.ID, t.Current.State))}
	}
	return nil
}

type commitBoundary struct{ meta }

func (commitBoundary) domainRule() {}

func (c commitBoundary) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Request.Action != domain.ActionRollback || t.Current == nil {
		return nil
	}
	to, _, _ := t.Request.Metadata.Int(domain.MetaToRevision)
	if to < t.Current.CommitRevision {
		return []domain.Violation{c.violation(CodeCommitBoundary,
			fmt.Sprintf("cannot roll back to revision %d before commit at %d", to, t.Current.CommitRevision))}
	}
	if to > t.Current.GraphRevision {
		return []domain.Violation{c.violation(CodeInvalidRevision,
			fmt.Sprintf("revision %d is ahead of graph revision %d", to, t.Current.GraphRevision))}
	}
	return nil
}

type pluginImmutability struct{ meta }

func (pluginImmutability) domainRule() {}

func (p pluginImmutability) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Request.Action != domain.ActionMutateGraph || t.Current == nil || !domain.IsPlugin(t.Request.Actor) {
		return nil
	}
	cur := t.Current
	switch {
	case cur.CommitRevision > 0 && cur.GraphRevision == cur.CommitRevision:
		return []domain.Violation{p.violation(CodeGraphImmutable,
			fmt.Sprintf("graph of stream %s is committed at revision %d", cur.ID, cur.CommitRevision))}
	case cur.State == domain.StateSynthesizing || cur.State == domain.StatePlaying || cur.State == domain.StateInterrupting:
		return []domain.Violation{p.violation(CodeGraphImmutable,
			fmt.Sprintf("graph of stream %s is live in state %s", cur.ID, cur.State))}
	}
	return nil
}
