// Package breaker implements the per-service circuit breaker state
// machine driving graceful degradation decisions.
//
// Transitions:
//
//	closed    --(failureCount >= threshold)--------> open
//	open      --(now - lastFailureAt >= recovery)--> half_open (lazy, on read)
//	half_open --(probe succeeds)-------------------> closed (count reset)
//	half_open --(probe fails)----------------------> open (lastFailureAt refreshed)
//	closed    --(probe succeeds)-------------------> closed (count reset)
package breaker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/metrics"
	"github.com/opscart/k8s-rollback-controller/pkg/models"
	"github.com/opscart/k8s-rollback-controller/pkg/state"
)

const keyPrefix = "circuit-breakers/"

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 300 * time.Second
)

// Registry owns all circuit breaker entries. Entries are created lazily
// on first RecordResult for a service and persisted through the state
// store so they survive controller restarts. All transitions for one
// service happen under that service's lock (single-writer discipline).
type Registry struct {
	store     state.Store
	threshold uint
	recovery  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates a registry with the given policy. A zero threshold
// or recovery falls back to the defaults (5 failures / 300s).
func NewRegistry(store state.Store, threshold int, recovery time.Duration, logger *slog.Logger) *Registry {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		threshold: uint(threshold),
		recovery:  recovery,
		logger:    logger,
		now:       time.Now,
		locks:     map[string]*sync.Mutex{},
	}
}

func (r *Registry) lock(service string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[service]
	if !ok {
		l = &sync.Mutex{}
		r.locks[service] = l
	}
	return l
}

// RecordResult ingests one health-check outcome for a service, applies
// the state machine, persists the new entry, and returns the resulting
// state.
func (r *Registry) RecordResult(service string, healthy bool) (models.CircuitState, error) {
	l := r.lock(service)
	l.Lock()
	defer l.Unlock()

	entry, err := r.load(service)
	if err != nil {
		return "", err
	}
	r.resolvePending(entry)

	prev := entry.State
	now := r.now()

	if healthy {
		switch entry.State {
		case models.CircuitHalfOpen, models.CircuitClosed:
			// One success clears partial failure accumulation.
			entry.State = models.CircuitClosed
			entry.FailureCount = 0
		case models.CircuitOpen:
			// Still inside the recovery window; success is from an
			// out-of-band probe and does not short-circuit recovery.
		}
	} else {
		entry.FailureCount++
		entry.LastFailureAt = now
		switch entry.State {
		case models.CircuitHalfOpen:
			entry.State = models.CircuitOpen
		case models.CircuitClosed:
			if entry.FailureCount >= entry.FailureThreshold {
				entry.State = models.CircuitOpen
			}
		}
	}

	if err := r.save(entry); err != nil {
		return "", err
	}
	r.observe(service, prev, entry.State)
	return entry.State, nil
}

// State returns the current entry for a service, resolving a pending
// open -> half_open transition first so a stale "open" never outlives
// its recovery timeout. The resolved state is persisted before return.
func (r *Registry) State(service string) (*models.CircuitBreakerState, error) {
	l := r.lock(service)
	l.Lock()
	defer l.Unlock()

	entry, err := r.load(service)
	if err != nil {
		return nil, err
	}
	prev := entry.State
	if r.resolvePending(entry) {
		if err := r.save(entry); err != nil {
			return nil, err
		}
		r.observe(service, prev, entry.State)
	}
	return entry, nil
}

// Services lists all services with a persisted breaker entry
func (r *Registry) Services() ([]string, error) {
	keys, err := r.store.Keys(keyPrefix)
	if err != nil {
		return nil, err
	}
	services := make([]string, 0, len(keys))
	for _, k := range keys {
		services = append(services, k[len(keyPrefix):])
	}
	return services, nil
}

// resolvePending applies the lazy open -> half_open transition; reports
// whether the entry changed.
func (r *Registry) resolvePending(entry *models.CircuitBreakerState) bool {
	if entry.State != models.CircuitOpen {
		return false
	}
	if r.now().Sub(entry.LastFailureAt) >= entry.RecoveryTimeout() {
		entry.State = models.CircuitHalfOpen
		return true
	}
	return false
}

func (r *Registry) load(service string) (*models.CircuitBreakerState, error) {
	data, found, err := r.store.Get(keyPrefix + service)
	if err != nil {
		return nil, err
	}
	if !found {
		return &models.CircuitBreakerState{
			ServiceName:      service,
			State:            models.CircuitClosed,
			FailureThreshold: r.threshold,
			RecoveryTimeoutS: int64(r.recovery / time.Second),
		}, nil
	}
	var entry models.CircuitBreakerState
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt circuit breaker entry for %s: %w", service, err)
	}
	return &entry, nil
}

func (r *Registry) save(entry *models.CircuitBreakerState) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return r.store.Set(keyPrefix+entry.ServiceName, data)
}

func (r *Registry) observe(service string, from, to models.CircuitState) {
	if from != to {
		r.logger.Info("circuit breaker transition", "service", service, "from", from, "to", to)
		metrics.CircuitBreakerTransitionsTotal.WithLabelValues(service, string(from), string(to)).Inc()
	}
	metrics.CircuitBreakerState.WithLabelValues(service).Set(stateValue(to))
}

func stateValue(s models.CircuitState) float64 {
	switch s {
	case models.CircuitOpen:
		return 1
	case models.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}
