// Package metrics exposes registrar decision and publisher telemetry to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"registrar/internal/domain"
)

// Metrics implements engine.Recorder and attest.Observer. A nil *Metrics
// records nothing.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	Violations       *prometheus.CounterVec
	Halts            prometheus.Counter
	SinkAttestations *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec
	PublisherBacklog prometheus.Gauge
}

// New registers every registrar metric with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_decisions_total",
			Help: "Decisions by action and outcome",
		}, []string{"action", "decision"}),
		DecisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registrar_decision_duration_seconds",
			Help:    "Time to evaluate and attest one request",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		}, []string{"action"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_violations_total",
			Help: "Blocking violations by invariant and code",
		}, []string{"invariant", "code"}),
		Halts: f.NewCounter(prometheus.CounterOpts{
			Name: "registrar_halts_total",
			Help: "Decisions that halted the registrar",
		}),
		SinkAttestations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_sink_attestations_total",
			Help: "Attestations written per sink",
		}, []string{"sink"}),
		SinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_sink_failures_total",
			Help: "Failed batch writes per sink",
		}, []string{"sink"}),
		PublisherBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "registrar_publisher_backlog",
			Help: "Attestations waiting for delivery to sinks",
		}),
	}
}

func (m *Metrics) ObserveDecision(action domain.Action, kind domain.DecisionKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(action), string(kind)).Inc()
	m.DecisionDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

func (m *Metrics) IncViolation(invariantID, code string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(invariantID, code).Inc()
}

func (m *Metrics) IncHalt() {
	if m == nil {
		return
	}
	m.Halts.Inc()
}

func (m *Metrics) SinkWritten(sink string, n int) {
	if m == nil {
		return
	}
	m.SinkAttestations.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) Backlog(n int) {
	if m == nil {
		return
	}
	m.PublisherBacklog.Set(float64(n))
}
