package arbiter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/arbiter"
	"registrar/internal/domain"
)

func stream() domain.Stream {
	return domain.Stream{
		ID:    "s1",
		State: domain.StatePlaying,
		Ownership: domain.Ownership{
			StreamID:      "s1",
			SessionID:     "sess",
			OwnerID:       "agent_a",
			Priority:      5,
			Interruptible: true,
			Delegates:     []string{"agent_d"},
		},
	}
}

func req(action domain.Action, actor string) domain.Request {
	return domain.Request{Action: action, Actor: actor, Target: "s1", Metadata: domain.NewExtensions()}
}

func TestResolveOwnerAndDelegate(t *testing.T) {
	s := stream()
	assert.Equal(t, arbiter.LevelOwner, arbiter.Resolve(&s, req(domain.ActionInterrupt, "agent_a")).Level)
	assert.Equal(t, arbiter.LevelDelegate, arbiter.Resolve(&s, req(domain.ActionInterrupt, "agent_d")).Level)
	assert.Equal(t, arbiter.LevelNone, arbiter.Resolve(&s, req(domain.ActionInterrupt, "agent_b")).Level)
	assert.Equal(t, arbiter.LevelNone, arbiter.Resolve(nil, req(domain.ActionInterrupt, "agent_a")).Level)
}

func TestOverrideOutranksOwnerForInterrupts(t *testing.T) {
	s := stream()
	s.Accessibility = domain.Accessibility{Active: true, Scope: domain.ScopeSession, HolderID: "user", SessionID: "sess"}

	auth := arbiter.Resolve(&s, req(domain.ActionInterrupt, "agent_b"))
	assert.Equal(t, arbiter.LevelOverride, auth.Level)

	other := req(domain.ActionInterrupt, "agent_b")
	other.Metadata = other.Metadata.With(domain.MetaSessionID, domain.StringValue("elsewhere"))
	auth = arbiter.Resolve(&s, other)
	assert.Equal(t, arbiter.LevelNone, auth.Level)
	assert.True(t, auth.Overridden)

	// Non-interrupt actions never use the override.
	assert.Equal(t, arbiter.LevelNone, arbiter.Resolve(&s, req(domain.ActionCompile, "agent_b")).Level)
}

func TestUserScopedOverride(t *testing.T) {
	s := stream()
	s.Accessibility = domain.Accessibility{Active: true, Scope: domain.ScopeUser, HolderID: "user_1"}

	assert.True(t, arbiter.OverrideBacks(s, req(domain.ActionInterrupt, "user_1")))
	assert.False(t, arbiter.OverrideBacks(s, req(domain.ActionInterrupt, "agent_b")))

	onBehalf := req(domain.ActionInterrupt, "agent_b")
	onBehalf.Metadata = onBehalf.Metadata.With(domain.MetaUserID, domain.StringValue("user_1"))
	assert.True(t, arbiter.OverrideBacks(s, onBehalf))
}

func TestOrderIsTotalAndStable(t *testing.T) {
	mk := func(actor string, prio int64) domain.Request {
		r := req(domain.ActionInterrupt, actor)
		if prio > 0 {
			r.Metadata = r.Metadata.With(domain.MetaPriority, domain.IntValue(prio))
		}
		return r
	}
	batch := []domain.Request{mk("agent_c", 0), mk("agent_b", 9), mk("agent_a", 0), mk("agent_z", 9)}

	ordered := arbiter.Order(batch)
	require.Len(t, ordered, 4)
	got := []string{}
	for _, c := range ordered {
		got = append(got, c.Request.Actor)
	}
	assert.Equal(t, []string{"agent_b", "agent_z", "agent_c", "agent_a"}, got)
	assert.Equal(t, ordered, arbiter.Order(batch))
}

func TestLessBreaksTiesByActor(t *testing.T) {
	a := arbiter.Contender{Request: domain.Request{Actor: "a"}, Arrival: 0, Priority: 5}
	b := arbiter.Contender{Request: domain.Request{Actor: "b"}, Arrival: 0, Priority: 5}
	assert.True(t, arbiter.Less(a, b))
	assert.False(t, arbiter.Less(b, a))
}
