package codec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/codec"
	"registrar/internal/domain"
)

func TestMapOrderDoesNotChangeBytes(t *testing.T) {
	a := map[string]domain.Stream{}
	b := map[string]domain.Stream{}
	for _, id := range []string{"s3", "s1", "s2"} {
		a[id] = domain.Stream{ID: id, State: domain.StateIdle, Version: 1}
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		b[id] = domain.Stream{ID: id, State: domain.StateIdle, Version: 1}
	}
	da, err := codec.Marshal(a)
	require.NoError(t, err)
	db, err := codec.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)

	fa, err := codec.Sum(a)
	require.NoError(t, err)
	fb, err := codec.Sum(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa.String(), 64)
}

func TestStreamRoundTripKeepsNanoseconds(t *testing.T) {
	rate := 0.8
	in := domain.Stream{
		ID:        "s1",
		State:     domain.StatePlaying,
		Version:   4,
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC),
		Ownership: domain.Ownership{StreamID: "s1", OwnerID: "agent_a", Priority: 5, Delegates: []string{"agent_b"}},
		Accessibility: domain.Accessibility{
			SpeechRate: &rate,
			Active:     true,
			Scope:      domain.ScopeUser,
		},
	}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out domain.Stream
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.True(t, in.UpdatedAt.Equal(out.UpdatedAt))
	assert.Equal(t, in.Ownership.Delegates, out.Ownership.Delegates)
	require.NotNil(t, out.Accessibility.SpeechRate)
	assert.Equal(t, rate, *out.Accessibility.SpeechRate)

	again, err := codec.Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestFingerprintChangesWithState(t *testing.T) {
	f1, err := codec.Sum(domain.Stream{ID: "s1", Version: 1})
	require.NoError(t, err)
	f2, err := codec.Sum(domain.Stream{ID: "s1", Version: 2})
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2)
}
