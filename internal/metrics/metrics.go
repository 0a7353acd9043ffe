// Package metrics provides Prometheus metrics for the forge daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	FallbacksTotal    prometheus.Counter
	ToolCallsTotal    *prometheus.CounterVec
	LoopCyclesTotal   *prometheus.CounterVec
	ViolationsTotal   prometheus.Counter
	ProductsCompleted prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_steps_total",
				Help: "Pipeline step executions by step name and outcome.",
			},
			[]string{"step", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_step_duration_seconds",
				Help:    "Step execution duration by step name.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		FallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_llm_fallbacks_total",
				Help: "Generations served by the template fallback.",
			},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_tool_calls_total",
				Help: "Sandbox calls by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		LoopCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_loop_cycles_total",
				Help: "Governed loop cycles by loop outcome.",
			},
			[]string{"outcome"},
		),
		ViolationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_intent_violations_total",
				Help: "Rejected mutation attempts on frozen intents.",
			},
		),
		ProductsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_products_completed_total",
				Help: "Products that reached the completed state.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.StepsTotal)
	reg.MustRegister(m.StepDuration)
	reg.MustRegister(m.FallbacksTotal)
	reg.MustRegister(m.ToolCallsTotal)
	reg.MustRegister(m.LoopCyclesTotal)
	reg.MustRegister(m.ViolationsTotal)
	reg.MustRegister(m.ProductsCompleted)

	return m
}

// Handler returns an http.Handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStep increments the step counter.
func (m *Metrics) RecordStep(step, status string) {
	m.StepsTotal.WithLabelValues(step, status).Inc()
}

// ObserveStepDuration records how long a step ran.
func (m *Metrics) ObserveStepDuration(step string, seconds float64) {
	m.StepDuration.WithLabelValues(step).Observe(seconds)
}

// RecordToolCall increments the sandbox call counter.
func (m *Metrics) RecordToolCall(kind, outcome string) {
	m.ToolCallsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordLoopCycle increments the loop cycle counter.
func (m *Metrics) RecordLoopCycle(outcome string) {
	m.LoopCyclesTotal.WithLabelValues(outcome).Inc()
}
