// Package metrics exposes the orchestrator's ambient Prometheus
// counters and gauges. There is no HTTP server here; wiring a
// /metrics endpoint is the caller's concern (out of scope for this
// module). Call Registry() to hand the collectors to whatever exporter
// the deployment uses.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ModelCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_model_calls_total",
		Help: "Model Client calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	ModelRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_model_retries_total",
		Help: "Model Client retry attempts by operation.",
	}, []string{"operation"})

	CostUSDTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_cost_usd_total",
		Help: "Accumulated model cost in USD by operation.",
	}, []string{"operation"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storyforge_circuit_breaker_state",
		Help: "Model Client circuit breaker state (0=closed,1=half-open,2=open).",
	}, []string{"name"})

	StepRetryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_step_retry_attempts_total",
		Help: "Step Retry attempts by stage name.",
	}, []string{"step"})

	CircuitBreaksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_circuit_breaks_total",
		Help: "Same-error circuit breaks tripped by Step Retry, by stage name.",
	}, []string{"step"})

	SweeperPassesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storyforge_sweeper_passes_total",
		Help: "Health Sweeper passes executed.",
	})

	SweeperOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_sweeper_outcomes_total",
		Help: "Health Sweeper per-job outcomes by kind.",
	}, []string{"outcome"})

	ChapterRegenerationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_chapter_regenerations_total",
		Help: "Chapter Stage regeneration attempts by reason.",
	}, []string{"reason"})

	registry *prometheus.Registry
)

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		ModelCallsTotal,
		ModelRetriesTotal,
		CostUSDTotal,
		CircuitBreakerState,
		StepRetryAttemptsTotal,
		CircuitBreaksTotal,
		SweeperPassesTotal,
		SweeperOutcomesTotal,
		ChapterRegenerationsTotal,
	)
}

// Registry returns the process-wide collector registry so a deployment
// can expose it however it likes (HTTP handler, push gateway, etc).
func Registry() *prometheus.Registry {
	return registry
}
