package invariant

import (
	"fmt"

	"registrar/internal/domain"
)

// Structural IDs.
const (
	IdentityImmutable   = "state.identity.immutable"
	IdentityExplicit    = "state.identity.explicit"
	IdentityUnique      = "state.identity.unique"
	LineageExplicit     = "state.lineage.explicit"
	LineageParentExists = "state.lineage.parent_exists"
	LineageSingleParent = "state.lineage.single_parent"
	LineageContinuous   = "state.lineage.continuous"
	OrderingTotal       = "ordering.total"
	OrderingMonotonic   = "ordering.monotonic"
	OrderingGapFree     = "ordering.gap_free"
	OrderingDetermined  = "ordering.deterministic"
)

// Structural returns the structural layer in evaluation order.
func Structural() []StructuralInvariant {
	return append([]StructuralInvariant(nil), structuralLayer...)
}

var structuralLayer = []StructuralInvariant{
	identityExplicit{meta{IdentityExplicit, "Every record carries an explicit identifier", domain.SeverityReject}},
	identityImmutable{meta{IdentityImmutable, "A record's identifier never changes across versions", domain.SeverityReject}},
	identityUnique{meta{IdentityUnique, "A new record never reuses a registered identifier", domain.SeverityReject}},
	lineageExplicit{meta{LineageExplicit, "Every successor names its parent version", domain.SeverityReject}},
	lineageParentExists{meta{LineageParentExists, "The parent of a successor must be registered", domain.SeverityReject}},
	lineageSingleParent{meta{LineageSingleParent, "A successor descends from exactly the current head", domain.SeverityReject}},
	lineageContinuous{meta{LineageContinuous, "Versions advance by exactly one", domain.SeverityReject}},
	orderingTotal{meta{OrderingTotal, "Every accepted transition has an order index", domain.SeverityReject}},
	orderingMonotonic{meta{OrderingMonotonic, "Order indexes strictly increase", domain.SeverityReject}},
	orderingGapFree{meta{OrderingGapFree, "Order indexes have no gaps", domain.SeverityReject}},
	orderingDeterministic{meta{OrderingDetermined, "Ordering is assigned by the registrar, never by callers", domain.SeverityReject}},
}

type identityExplicit struct{ meta }

func (identityExplicit) structural() {}

func (i identityExplicit) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Proposed.ID == "" {
		return []domain.Violation{i.violation("missing_identity", "proposed record has no identifier")}
	}
	return nil
}

type identityImmutable struct{ meta }

func (identityImmutable) structural() {}

func (i identityImmutable) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Current == nil || t.Creating {
		return nil
	}
	if t.Proposed.ID != t.Current.ID || t.Proposed.Ownership.StreamID != t.Current.ID {
		return []domain.Violation{i.violation("identity_changed",
			fmt.Sprintf("record %s cannot become %s", t.Current.ID, t.Proposed.ID))}
	}
	return nil
}

type identityUnique struct{ meta }

func (identityUnique) structural() {}

func (i identityUnique) Check(t Transition, states map[string]domain.Stream) []domain.Violation {
	if !t.Creating {
		return nil
	}
	if _, ok := states[t.Proposed.ID]; ok {
		return []domain.Violation{i.violation("duplicate_identity",
			fmt.Sprintf("stream %s is already registered", t.Proposed.ID))}
	}
	return nil
}

type lineageExplicit struct{ meta }

func (lineageExplicit) structural() {}

func (l lineageExplicit) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	switch {
	case t.Creating && t.Proposed.ParentVersion != 0:
		return []domain.Violation{l.violation("unexpected_parent", "a new stream has no parent")}
	case !t.Creating && t.Current != nil && t.Proposed.ParentVersion == 0:
		return []domain.Violation{l.violation("missing_parent", "successor does not name a parent version")}
	}
	return nil
}

type lineageParentExists struct{ meta }

func (lineageParentExists) structural() {}

func (l lineageParentExists) Check(t Transition, states map[string]domain.Stream) []domain.Violation {
	if t.Creating {
		return nil
	}
	if _, ok := states[t.Request.Target]; !ok {
		return []domain.Violation{l.violation("unknown_stream",
			fmt.Sprintf("stream %s is not registered", t.Request.Target))}
	}
	return nil
}

type lineageSingleParent struct{ meta }

func (lineageSingleParent) structural() {}

func (l lineageSingleParent) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Creating || t.Current == nil || t.Proposed.ParentVersion == 0 {
		return nil
	}
	if t.Proposed.ParentVersion != t.Current.Version {
		return []domain.Violation{l.violation("forked_lineage",
			fmt.Sprintf("successor descends from version %d, head is %d", t.Proposed.ParentVersion, t.Current.Version))}
	}
	return nil
}

type lineageContinuous struct{ meta }

func (lineageContinuous) structural() {}

func (l lineageContinuous) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Current == nil && !t.Creating {
		return nil
	}
	if t.Proposed.Version != t.Proposed.ParentVersion+1 {
		return []domain.Violation{l.violation("lineage_gap",
			fmt.Sprintf("version %d does not follow parent version %d", t.Proposed.Version, t.Proposed.ParentVersion))}
	}
	return nil
}

type orderingTotal struct{ meta }

func (orderingTotal) structural() {}

func (o orderingTotal) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Proposed.OrderIndex <= 0 {
		return []domain.Violation{o.violation("unordered", "proposed record has no order index")}
	}
	return nil
}

type orderingMonotonic struct{ meta }

func (orderingMonotonic) structural() {}

// Check compares against LastOrder only. The registrar keeps LastOrder at
// the table's highest order index, so no per-stream scan is needed.
func (o orderingMonotonic) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Proposed.OrderIndex <= t.LastOrder {
		return []domain.Violation{o.violation("non_monotonic",
			fmt.Sprintf("order index %d does not exceed %d", t.Proposed.OrderIndex, t.LastOrder))}
	}
	return nil
}

type orderingGapFree struct{ meta }

func (orderingGapFree) structural() {}

func (o orderingGapFree) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	if t.Proposed.OrderIndex != t.LastOrder+1 {
		return []domain.Violation{o.violation("order_gap",
			fmt.Sprintf("order index %d leaves a gap after %d", t.Proposed.OrderIndex, t.LastOrder))}
	}
	return nil
}

type orderingDeterministic struct{ meta }

func (orderingDeterministic) structural() {}

func (o orderingDeterministic) Check(t Transition, _ map[string]domain.Stream) []domain.Violation {
	for _, k := range domain.StructuralKeys {
		if t.Request.Metadata.Has(k) {
			return []domain.Violation{o.violation("caller_ordering",
				fmt.Sprintf("metadata key %q is assigned by the registrar", k))}
		}
	}
	return nil
}
