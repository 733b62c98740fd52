// Package metrics holds the Prometheus collectors of the daemon. A nil
// *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mpataki/courier/internal/models"
)

const namespace = "courier"

type Metrics struct {
	gatherer prometheus.Gatherer

	claims           prometheus.Counter
	keySkips         prometheus.Counter
	completions      *prometheus.CounterVec
	writeFailures    prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	selectorAttempts *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	runTransitions   *prometheus.CounterVec
	stepAttempts     *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
}

// New registers the collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_claims_total",
			Help:      "Queue items claimed by a worker.",
		}),
		keySkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_busy_key_skips_total",
			Help:      "Incoming items passed over because their ordering key was busy.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_completions_total",
			Help:      "Queue items completed, by outcome.",
		}, []string{"outcome"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Durable store writes that failed.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Items currently in each queue stage.",
		}, []string{"stage"}),
		selectorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_attempts_total",
			Help:      "Selector invocations, by validation result.",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_decisions_total",
			Help:      "Routing decisions, by action and whether they were a fallback.",
		}, []string{"action", "fallback"}),
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Workflow run state transitions, by target state.",
		}, []string{"state"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts, by step type and status.",
		}, []string{"type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of step attempts.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.claims,
		m.keySkips,
		m.completions,
		m.writeFailures,
		m.queueDepth,
		m.selectorAttempts,
		m.decisions,
		m.runTransitions,
		m.stepAttempts,
		m.stepDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Claimed() {
	if m != nil {
		m.claims.Inc()
	}
}

func (m *Metrics) KeySkipped() {
	if m != nil {
		m.keySkips.Inc()
	}
}

// Completed records a queue outcome: "outgoing", "requeued", "failed" or
// "released".
func (m *Metrics) Completed(outcome string) {
	if m != nil {
		m.completions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) WriteFailed() {
	if m != nil {
		m.writeFailures.Inc()
	}
}

func (m *Metrics) SetQueueDepth(counts map[models.Stage]int) {
	if m == nil {
		return
	}
	for st, n := range counts {
		m.queueDepth.WithLabelValues(string(st)).Set(float64(n))
	}
}

// SelectorAttempt records one selector reply: "valid" or "invalid".
func (m *Metrics) SelectorAttempt(result string) {
	if m != nil {
		m.selectorAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Decided(d models.Decision) {
	if m == nil {
		return
	}
	fallback := "false"
	if d.Fallback {
		fallback = "true"
	}
	m.decisions.WithLabelValues(string(d.Action()), fallback).Inc()
}

func (m *Metrics) RunTransition(state models.RunState) {
	if m != nil {
		m.runTransitions.WithLabelValues(string(state)).Inc()
	}
}

func (m *Metrics) StepAttempt(a models.StepAttempt) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(string(a.StepType), string(a.Status)).Inc()
	m.stepDuration.WithLabelValues(string(a.StepType)).Observe(a.Duration().Seconds())
}
