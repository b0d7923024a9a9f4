// Package metrics registers the controller's Prometheus instrumentation.
// The CLI does not serve an HTTP endpoint itself; an embedding process
// can expose the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitBreakerState reports the current state per service:
	// 0 = closed, 1 = open, 2 = half_open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollback_controller_circuit_breaker_state",
		Help: "Circuit breaker state per service (0=closed, 1=open, 2=half_open)",
	}, []string{"service"})

	// CircuitBreakerTransitionsTotal counts state transitions
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollback_controller_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"service", "from", "to"})

	// HealthProbesTotal counts individual health probes by outcome
	HealthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollback_controller_health_probes_total",
		Help: "Health probes issued, by outcome (healthy/unhealthy)",
	}, []string{"outcome"})

	// RollbacksTotal counts rollback attempts by strategy and outcome
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollback_controller_rollbacks_total",
		Help: "Rollback attempts, by type (immediate/blue_green/canary) and outcome (success/failure)",
	}, []string{"type", "outcome"})

	// ConsecutiveFailures reports the monitor loop's current failure streak
	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_controller_consecutive_failures",
		Help: "Consecutive failed probes observed by the monitor loop",
	})

	// DegradationsTotal counts degradation actions applied
	DegradationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollback_controller_degradations_total",
		Help: "Degradation actions applied, by kind (degraded_mode/level/cache/mesh)",
	}, []string{"kind"})
)
