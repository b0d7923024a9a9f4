// Package monitor runs the post-deploy watch: one health probe per
// tick, failures accumulated in the circuit breaker, and an automatic
// immediate rollback once the consecutive-failure threshold is reached.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/breaker"
	"github.com/opscart/k8s-rollback-controller/pkg/metrics"
	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// Degrader is the slice of the degradation manager the loop uses
type Degrader interface {
	TriggerDegradedMode(service, reason string) error
	GracefulDegrade(service string, level models.DegradationLevel) error
}

// Result summarizes a finished monitor run
type Result struct {
	Ticks       int
	RolledBack  bool
	RollbackErr error
}

// Config is the loop policy
type Config struct {
	Service          string
	Endpoint         string
	Duration         time.Duration // total watch window
	Interval         time.Duration // per-tick sleep
	FailureThreshold int           // consecutive failures before rollback
}

// Loop is the long-running monitor. One instance is a single watch
// cycle: after it triggers a rollback it terminates, and a fresh cycle
// must be started deliberately after recovery.
type Loop struct {
	cfg      Config
	probe    func(ctx context.Context, endpoint string) error
	breakers *breaker.Registry
	degrader Degrader
	pressure func(ctx context.Context) (bool, string) // optional
	rollback func(ctx context.Context, reason string) error
	clock    Clock
	logger   *slog.Logger
}

// NewLoop wires a monitor cycle. probe must be a single health check
// with no internal retry; rollback is invoked at most once.
func NewLoop(
	cfg Config,
	probe func(ctx context.Context, endpoint string) error,
	breakers *breaker.Registry,
	degrader Degrader,
	pressure func(ctx context.Context) (bool, string),
	rollback func(ctx context.Context, reason string) error,
	clock Clock,
	logger *slog.Logger,
) *Loop {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		probe:    probe,
		breakers: breakers,
		degrader: degrader,
		pressure: pressure,
		rollback: rollback,
		clock:    clock,
		logger:   logger,
	}
}

// Run executes the watch until the monitor duration elapses (healthy
// exit), the failure threshold triggers a rollback, or ctx is
// cancelled. A failed rollback is reported in the Result, not as a
// crash: the loop leaves the system in its last-known state for
// operator inspection.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	start := l.clock.Now()
	consecutiveFailures := 0
	lastState := models.CircuitClosed
	res := &Result{}

	l.logger.Info("monitor loop started",
		"service", l.cfg.Service,
		"endpoint", l.cfg.Endpoint,
		"duration", l.cfg.Duration,
		"interval", l.cfg.Interval,
		"failure_threshold", l.cfg.FailureThreshold,
	)

	for {
		if l.clock.Now().Sub(start) >= l.cfg.Duration {
			l.logger.Info("monitor window elapsed without rollback", "ticks", res.Ticks)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Ticks++
		err := l.probe(ctx, l.cfg.Endpoint)
		healthy := err == nil

		state, berr := l.breakers.RecordResult(l.cfg.Service, healthy)
		if berr != nil {
			l.logger.Error("failed to update circuit breaker", "err", berr)
		} else if state == models.CircuitOpen && lastState != models.CircuitOpen {
			// Circuit opening is not an error condition for the loop;
			// it sheds non-critical load while monitoring continues.
			if derr := l.degrader.TriggerDegradedMode(l.cfg.Service, "circuit breaker open"); derr != nil {
				l.logger.Error("failed to apply degraded mode", "err", derr)
			}
		}
		if berr == nil {
			lastState = state
		}

		if healthy {
			if consecutiveFailures > 0 {
				l.logger.Info("health recovered", "after_failures", consecutiveFailures)
			}
			consecutiveFailures = 0
		} else {
			consecutiveFailures++
			l.logger.Warn("health probe failed",
				"consecutive", consecutiveFailures,
				"threshold", l.cfg.FailureThreshold,
				"err", err,
			)
		}
		metrics.ConsecutiveFailures.Set(float64(consecutiveFailures))

		if consecutiveFailures >= l.cfg.FailureThreshold {
			reason := fmt.Sprintf("%d consecutive failed health checks on %s", consecutiveFailures, l.cfg.Service)
			l.logger.Error("failure threshold reached, triggering rollback", "reason", reason)
			res.RolledBack = true
			res.RollbackErr = l.rollback(ctx, reason)
			if res.RollbackErr != nil {
				l.logger.Error("automatic rollback failed, operator intervention required", "err", res.RollbackErr)
			}
			// The loop never outlives its rollback; a fresh cycle must
			// be started after recovery.
			return res, nil
		}

		if l.pressure != nil {
			if pressured, why := l.pressure(ctx); pressured {
				l.logger.Warn("resource pressure detected", "reason", why)
				if derr := l.degrader.GracefulDegrade(l.cfg.Service, models.DegradationModerate); derr != nil {
					l.logger.Error("failed to apply graceful degradation", "err", derr)
				}
			}
		}

		if err := l.clock.Sleep(ctx, l.cfg.Interval); err != nil {
			return res, err
		}
	}
}
