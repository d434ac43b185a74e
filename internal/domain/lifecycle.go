package domain

import (
	"fmt"
	"strings"
)

// Action is a requested operation on a stream.
type Action string

const (
	ActionStart      Action = "START"
	ActionCompile    Action = "COMPILE"
	ActionSynthesize Action = "SYNTHESIZE"
	ActionPlay       Action = "PLAY"
	ActionInterrupt  Action = "INTERRUPT"
	ActionStop       Action = "STOP"
	ActionFail       Action = "FAIL"
	ActionRestart    Action = "RESTART"

	ActionClaim    Action = "CLAIM"
	ActionRelease  Action = "RELEASE"
	ActionTransfer Action = "TRANSFER"

	ActionEnableOverride  Action = "ENABLE_OVERRIDE"
	ActionUpdateOverride  Action = "UPDATE_OVERRIDE"
	ActionDisableOverride Action = "DISABLE_OVERRIDE"

	ActionMutateGraph Action = "MUTATE_GRAPH"
	ActionCommit      Action = "COMMIT"
	ActionRollback    Action = "ROLLBACK"
)

type ActionClass string

const (
	ClassLifecycle     ActionClass = "lifecycle"
	ClassOwnership     ActionClass = "ownership"
	ClassAccessibility ActionClass = "accessibility"
	ClassGraph         ActionClass = "graph"
)

var actionClasses = map[Action]ActionClass{
	ActionStart:           ClassLifecycle,
	ActionCompile:         ClassLifecycle,
	ActionSynthesize:      ClassLifecycle,
	ActionPlay:            ClassLifecycle,
	ActionInterrupt:       ClassLifecycle,
	ActionStop:            ClassLifecycle,
	ActionFail:            ClassLifecycle,
	ActionRestart:         ClassLifecycle,
	ActionClaim:           ClassOwnership,
	ActionRelease:         ClassOwnership,
	ActionTransfer:        ClassOwnership,
	ActionEnableOverride:  ClassAccessibility,
	ActionUpdateOverride:  ClassAccessibility,
	ActionDisableOverride: ClassAccessibility,
	ActionMutateGraph:     ClassGraph,
	ActionCommit:          ClassGraph,
	ActionRollback:        ClassGraph,
}

var actionTargets = map[Action]StreamState{
	ActionStart:      StateCompiling,
	ActionCompile:    StateSynthesizing,
	ActionSynthesize: StatePlaying,
	ActionPlay:       StatePlaying,
	ActionInterrupt:  StateInterrupting,
	ActionStop:       StateStopped,
	ActionFail:       StateFailed,
	ActionRestart:    StateIdle,
}

// Actions lists every action in declaration order.
func Actions() []Action {
	return []Action{
		ActionStart, ActionCompile, ActionSynthesize, ActionPlay, ActionInterrupt,
		ActionStop, ActionFail, ActionRestart, ActionClaim, ActionRelease,
		ActionTransfer, ActionEnableOverride, ActionUpdateOverride,
		ActionDisableOverride, ActionMutateGraph, ActionCommit, ActionRollback,
	}
}

// ParseAction accepts an action name in any case.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := actionClasses[a]; !ok {
		return "", &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", raw)}
	}
	return a, nil
}

func (a Action) Valid() bool {
	_, ok := actionClasses[a]
	return ok
}

func (a Action) Class() ActionClass { return actionClasses[a] }

// TargetState is the lifecycle state a lifecycle action moves to.
func (a Action) TargetState() (StreamState, bool) {
	s, ok := actionTargets[a]
	return s, ok
}

// InterruptClass reports actions that an accessibility override may back.
func (a Action) InterruptClass() bool {
	return a == ActionInterrupt || a == ActionStop
}

var transitions = map[StreamState][]StreamState{
	StateIdle:         {StateCompiling, StateFailed},
	StateCompiling:    {StateSynthesizing, StateFailed},
	StateSynthesizing: {StatePlaying, StateFailed},
	StatePlaying:      {StateInterrupting, StateStopped, StateFailed},
	StateInterrupting: {StateStopped, StateFailed},
	StateStopped:      {StateIdle},
	StateFailed:       {StateIdle},
}

// IsValidTransition reports whether from -> to is an edge of the lifecycle
// table.
func IsValidTransition(from, to StreamState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStates returns the legal successors of s.
func NextStates(s StreamState) []StreamState {
	return append([]StreamState(nil), transitions[s]...)
}

// EffectsFor lists the effects the caller runs after an allowed action.
func EffectsFor(a Action, streamID string) []Effect {
	var kinds []EffectKind
	switch a {
	case ActionStart:
		kinds = []EffectKind{EffectBeginCompile}
	case ActionCompile:
		kinds = []EffectKind{EffectBeginSynthesis}
	case ActionSynthesize, ActionPlay:
		kinds = []EffectKind{EffectEmitAudio}
	case ActionInterrupt:
		kinds = []EffectKind{EffectCancelAudio}
	case ActionStop, ActionFail:
		kinds = []EffectKind{EffectCancelAudio, EffectReleaseResources}
	case ActionRestart:
		kinds = []EffectKind{EffectResetStream}
	case ActionClaim, ActionRelease, ActionTransfer:
		kinds = []EffectKind{EffectNotifyOwnerChange}
	case ActionEnableOverride, ActionUpdateOverride, ActionDisableOverride:
		kinds = []EffectKind{EffectApplyAccessibility}
	case ActionMutateGraph, ActionRollback:
		kinds = []EffectKind{EffectRebuildGraph}
	case ActionCommit:
		kinds = []EffectKind{EffectCheckpointGraph}
	}
	out := make([]Effect, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, Effect{Kind: k, StreamID: streamID, Detail: string(a)})
	}
	return out
}
