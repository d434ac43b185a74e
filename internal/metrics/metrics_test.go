package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/domain"
)

func TestRecordsDecisionsAndViolations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDecision(domain.ActionPlay, domain.DecisionAllowed, time.Millisecond)
	m.ObserveDecision(domain.ActionPlay, domain.DecisionDenied, time.Millisecond)
	m.ObserveDecision(domain.ActionPlay, domain.DecisionDenied, time.Millisecond)
	m.IncViolation("ownership.single_owner", "not_owner")
	m.IncHalt()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("PLAY", "ALLOWED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("PLAY", "DENIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Violations.WithLabelValues("ownership.single_owner", "not_owner")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Halts))

	n, err := testutil.GatherAndCount(reg, "registrar_decision_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordsPublisherTelemetry(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SinkWritten("sqlite", 3)
	m.SinkWritten("sqlite", 2)
	m.SinkFailed("redis")
	m.Backlog(7)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.SinkAttestations.WithLabelValues("sqlite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkFailures.WithLabelValues("redis")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PublisherBacklog))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision(domain.ActionStart, domain.DecisionAllowed, time.Second)
		m.IncViolation("x", "y")
		m.IncHalt()
		m.SinkWritten("s", 1)
		m.SinkFailed("s")
		m.Backlog(1)
	})
}
