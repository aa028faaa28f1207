// Package metrics exposes the workflow's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aegis"

// Metrics holds the collectors for one registry.
type Metrics struct {
	actions           *prometheus.CounterVec
	executions        *prometheus.CounterVec
	evaluations       *prometheus.CounterVec
	completion        *prometheus.HistogramVec
	scoresOutOfRange  prometheus.Counter
	assistConnections prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Session actions by action and outcome.",
		}, []string{"action", "outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Code executions by result status.",
		}, []string{"status"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Assessor responses by parse outcome.",
		}, []string{"outcome"}),
		completion: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion service latency by role.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"role"}),
		scoresOutOfRange: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_out_of_range_total",
			Help:      "Parsed evaluations with a score outside [1,10].",
		}),
		assistConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assist_connections",
			Help:      "Open live assistant connections.",
		}),
	}
	reg.MustRegister(m.actions, m.executions, m.evaluations, m.completion, m.scoresOutOfRange, m.assistConnections)
	return m
}

// ObserveAction counts one session action.
func (m *Metrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

// ObserveExecution counts one code execution.
func (m *Metrics) ObserveExecution(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

// ObserveEvaluation counts one parsed assessor response.
func (m *Metrics) ObserveEvaluation(rec domain.EvaluationRecord) {
	if m == nil {
		return
	}
	if rec.Failed() {
		m.evaluations.WithLabelValues("unparsable").Inc()
		return
	}
	m.evaluations.WithLabelValues("parsed").Inc()
	if !rec.ScoresInRange() {
		m.scoresOutOfRange.Inc()
	}
}

// ObserveCompletion records the latency of one completion call.
func (m *Metrics) ObserveCompletion(role string, d time.Duration, _ error) {
	if m == nil {
		return
	}
	m.completion.WithLabelValues(role).Observe(d.Seconds())
}

// AssistConnected adjusts the open assistant connection gauge by delta.
func (m *Metrics) AssistConnected(delta int) {
	if m == nil {
		return
	}
	m.assistConnections.Add(float64(delta))
}
