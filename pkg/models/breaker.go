package models

import "time"

// CircuitState is the circuit breaker state for a single service
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerState is the persisted per-service breaker entry.
// Invariant: State==CircuitOpen implies now-LastFailureAt < RecoveryTimeout;
// once the timeout elapses the next read resolves the entry to half_open
// before returning it.
type CircuitBreakerState struct {
	ServiceName      string       `json:"service_name"`
	State            CircuitState `json:"state"`
	FailureCount     uint         `json:"failure_count"`
	LastFailureAt    time.Time    `json:"last_failure_at"`
	FailureThreshold uint         `json:"failure_threshold"`
	RecoveryTimeoutS int64        `json:"recovery_timeout_seconds"`
}

// RecoveryTimeout returns the configured open-state duration
func (s *CircuitBreakerState) RecoveryTimeout() time.Duration {
	return time.Duration(s.RecoveryTimeoutS) * time.Second
}
