package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/breaker"
	"github.com/opscart/k8s-rollback-controller/pkg/models"
	"github.com/opscart/k8s-rollback-controller/pkg/state"
)

// fakeClock advances on every sleep so a whole monitor window runs
// instantly.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

type fakeDegrader struct {
	triggered []string
	degraded  []models.DegradationLevel
}

func (d *fakeDegrader) TriggerDegradedMode(service, reason string) error {
	d.triggered = append(d.triggered, reason)
	return nil
}

func (d *fakeDegrader) GracefulDegrade(service string, level models.DegradationLevel) error {
	d.degraded = append(d.degraded, level)
	return nil
}

// scriptedProbe fails or succeeds per tick; ticks beyond the script
// repeat the last entry.
func scriptedProbe(healthy ...bool) func(context.Context, string) error {
	i := 0
	return func(context.Context, string) error {
		ok := healthy[len(healthy)-1]
		if i < len(healthy) {
			ok = healthy[i]
		}
		i++
		if ok {
			return nil
		}
		return errors.New("probe failed")
	}
}

func testLoop(cfg Config, probe func(context.Context, string) error, degrader Degrader, pressure func(context.Context) (bool, string), rollback func(context.Context, string) error) (*Loop, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	breakers := breaker.NewRegistry(state.NewMemStore(), 5, 300*time.Second, nil)
	return NewLoop(cfg, probe, breakers, degrader, pressure, rollback, clock, nil), clock
}

func baseConfig() Config {
	return Config{
		Service:          "app",
		Endpoint:         "http://app:8080",
		Duration:         time.Hour,
		Interval:         time.Minute,
		FailureThreshold: 3,
	}
}

func TestThresholdTriggersExactlyOneRollback(t *testing.T) {
	rollbacks := 0
	rollback := func(_ context.Context, reason string) error {
		rollbacks++
		return nil
	}
	l, _ := testLoop(baseConfig(), scriptedProbe(false), &fakeDegrader{}, nil, rollback)

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.RolledBack {
		t.Error("Expected rollback to be triggered")
	}
	if rollbacks != 1 {
		t.Errorf("Expected exactly one rollback, got %d", rollbacks)
	}
	if res.Ticks != 3 {
		t.Errorf("Expected rollback on the 3rd tick, got %d", res.Ticks)
	}
	if res.RollbackErr != nil {
		t.Errorf("Unexpected rollback error: %v", res.RollbackErr)
	}
}

func TestRecoveryResetsFailureCount(t *testing.T) {
	cfg := baseConfig()
	cfg.Duration = 5 * time.Minute // 5 ticks

	rollbacks := 0
	rollback := func(context.Context, string) error { rollbacks++; return nil }

	// Two failures, then recovery: never reaches the threshold of 3.
	l, _ := testLoop(cfg, scriptedProbe(false, false, true), &fakeDegrader{}, nil, rollback)

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.RolledBack || rollbacks != 0 {
		t.Errorf("Expected no rollback after recovery, got rolled_back=%v count=%d", res.RolledBack, rollbacks)
	}
	if res.Ticks != 5 {
		t.Errorf("Expected the full 5-tick window, got %d", res.Ticks)
	}
}

func TestCircuitOpenTriggersDegradedModeOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.Duration = 8 * time.Minute
	cfg.FailureThreshold = 100 // keep the loop running past the circuit opening

	degrader := &fakeDegrader{}
	l, _ := testLoop(cfg, scriptedProbe(false), degrader, nil, func(context.Context, string) error { return nil })

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.RolledBack {
		t.Error("Expected no rollback below the threshold")
	}
	// Breaker threshold is 5; the circuit opens on the 5th failure and
	// degraded mode is applied once, not on every subsequent open tick.
	if len(degrader.triggered) != 1 {
		t.Errorf("Expected one degraded-mode trigger, got %d", len(degrader.triggered))
	}
}

func TestRollbackErrorReportedNotFatal(t *testing.T) {
	wantErr := errors.New("rollback exploded")
	l, _ := testLoop(baseConfig(), scriptedProbe(false), &fakeDegrader{}, nil, func(context.Context, string) error { return wantErr })

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run must not fail when the rollback fails, got %v", err)
	}
	if !res.RolledBack {
		t.Error("Expected rollback attempt")
	}
	if !errors.Is(res.RollbackErr, wantErr) {
		t.Errorf("Expected rollback error in result, got %v", res.RollbackErr)
	}
}

func TestPressureTriggersGracefulDegradation(t *testing.T) {
	cfg := baseConfig()
	cfg.Duration = 3 * time.Minute

	degrader := &fakeDegrader{}
	pressure := func(context.Context) (bool, string) { return true, "cpu utilization 95.0% >= 90%" }
	l, _ := testLoop(cfg, scriptedProbe(true), degrader, pressure, func(context.Context, string) error { return nil })

	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(degrader.degraded) == 0 {
		t.Fatal("Expected graceful degradation under pressure")
	}
	for _, level := range degrader.degraded {
		if level != models.DegradationModerate {
			t.Errorf("Expected moderate degradation, got %s", level)
		}
	}
}

func TestCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probe := func(context.Context, string) error {
		cancel()
		return nil
	}
	l, _ := testLoop(baseConfig(), probe, &fakeDegrader{}, nil, func(context.Context, string) error { return nil })

	res, err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if res.RolledBack {
		t.Error("Cancellation must not trigger a rollback")
	}
}
