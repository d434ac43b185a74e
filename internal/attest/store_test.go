package attest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/attest"
	"registrar/internal/domain"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func att(id, actor string, action domain.Action, decision domain.DecisionKind, ts time.Time) domain.Attestation {
	return domain.Attestation{
		ID:                id,
		Timestamp:         ts,
		Actor:             actor,
		Action:            action,
		Target:            "s1",
		Decision:          decision,
		InvariantsChecked: []string{"ordering.total"},
		Metadata:          domain.NewExtensions(),
	}
}

func TestRecordAssignsGapFreeSequence(t *testing.T) {
	s := attest.NewStore()
	a, err := s.Record(att("a1", "agent_a", domain.ActionStart, domain.DecisionAllowed, t0))
	require.NoError(t, err)
	b, err := s.Record(att("a2", "agent_b", domain.ActionInterrupt, domain.DecisionDenied, t0))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.Equal(t, int64(2), s.LastSeq())
	assert.Equal(t, 2, s.Count())

	bad := att("a3", "agent_b", domain.ActionStop, domain.DecisionDenied, t0)
	bad.Seq = 7
	_, err = s.Record(bad)
	require.Error(t, err)
	assert.Equal(t, 2, s.Count())
}

func TestRecordRejectsDuplicateID(t *testing.T) {
	s := attest.NewStore()
	_, err := s.Record(att("a1", "agent_a", domain.ActionStart, domain.DecisionAllowed, t0))
	require.NoError(t, err)

	_, err = s.Record(att("a1", "agent_a", domain.ActionStart, domain.DecisionAllowed, t0))
	var dup *domain.DuplicateIDError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a1", dup.ID)
}

func TestQueryFilters(t *testing.T) {
	s := attest.NewStore()
	for _, a := range []domain.Attestation{
		att("a1", "agent_a", domain.ActionStart, domain.DecisionAllowed, t0),
		att("a2", "agent_b", domain.ActionInterrupt, domain.DecisionDenied, t0.Add(time.Second)),
		att("a3", "user", domain.ActionEnableOverride, domain.DecisionAllowed, t0.Add(2*time.Second)),
		att("a4", "agent_b", domain.ActionInterrupt, domain.DecisionAllowed, t0.Add(3*time.Second)),
	} {
		_, err := s.Record(a)
		require.NoError(t, err)
	}

	idsOf := func(as []domain.Attestation) []string {
		out := []string{}
		for _, a := range as {
			out = append(out, a.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a2", "a4"}, idsOf(s.Query(attest.Filter{Actor: "agent_b"})))
	assert.Equal(t, []string{"a2"}, idsOf(s.Query(attest.Filter{Decision: domain.DecisionDenied})))
	assert.Equal(t, []string{"a3", "a4"}, idsOf(s.Query(attest.Filter{Since: t0.Add(2 * time.Second)})))
	assert.Equal(t, []string{"a3"}, idsOf(s.Query(attest.Filter{Action: domain.ActionEnableOverride})))
	assert.Equal(t, []string{"a3", "a4"}, idsOf(s.Query(attest.Filter{AfterSeq: 2})))
	assert.Equal(t, []string{"a1"}, idsOf(s.Query(attest.Filter{Limit: 1})))
	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, idsOf(s.All()))
}

func TestStoredAttestationsAreImmutable(t *testing.T) {
	s := attest.NewStore()
	_, err := s.Record(att("a1", "agent_a", domain.ActionStart, domain.DecisionAllowed, t0))
	require.NoError(t, err)

	got := s.All()
	got[0].InvariantsChecked[0] = "tampered"
	got[0].Actor = "mallory"

	again, ok := s.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "agent_a", again.Actor)
	assert.Equal(t, "ordering.total", again.InvariantsChecked[0])
}
