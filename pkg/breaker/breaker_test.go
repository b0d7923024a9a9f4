package breaker

import (
	"testing"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
	"github.com/opscart/k8s-rollback-controller/pkg/state"
)

func newTestRegistry(t *testing.T, threshold int, recovery time.Duration) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(state.NewMemStore(), threshold, recovery, nil)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestOpensAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(t, 5, 300*time.Second)

	// 4 failures leave the circuit closed
	for i := 0; i < 4; i++ {
		st, err := r.RecordResult("api", false)
		if err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
		if st != models.CircuitClosed {
			t.Fatalf("Expected closed after %d failures, got %s", i+1, st)
		}
	}

	// 5th failure opens it
	st, err := r.RecordResult("api", false)
	if err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}
	if st != models.CircuitOpen {
		t.Errorf("Expected open after 5th failure, got %s", st)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry(t, 5, 300*time.Second)

	for i := 0; i < 4; i++ {
		r.RecordResult("api", false)
	}
	// A single success clears partial accumulation; no gradual decay.
	if st, _ := r.RecordResult("api", true); st != models.CircuitClosed {
		t.Fatalf("Expected closed after success, got %s", st)
	}

	entry, err := r.State("api")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if entry.FailureCount != 0 {
		t.Errorf("Expected failure count reset to 0, got %d", entry.FailureCount)
	}

	// 4 more failures still stay under the threshold
	for i := 0; i < 4; i++ {
		if st, _ := r.RecordResult("api", false); st != models.CircuitClosed {
			t.Fatalf("Expected closed, got %s", st)
		}
	}
}

func TestLazyHalfOpenTransition(t *testing.T) {
	r, now := newTestRegistry(t, 5, 300*time.Second)

	for i := 0; i < 5; i++ {
		r.RecordResult("api", false)
	}

	// Before the recovery timeout the read still returns open
	*now = now.Add(299 * time.Second)
	entry, _ := r.State("api")
	if entry.State != models.CircuitOpen {
		t.Fatalf("Expected open before recovery timeout, got %s", entry.State)
	}

	// The next read after the timeout resolves to half_open before any probe
	*now = now.Add(2 * time.Second)
	entry, _ = r.State("api")
	if entry.State != models.CircuitHalfOpen {
		t.Errorf("Expected half_open after recovery timeout, got %s", entry.State)
	}
}

func TestHalfOpenProbeOutcomes(t *testing.T) {
	t.Run("probe success closes", func(t *testing.T) {
		r, now := newTestRegistry(t, 5, 300*time.Second)
		for i := 0; i < 5; i++ {
			r.RecordResult("api", false)
		}
		*now = now.Add(301 * time.Second)

		st, _ := r.RecordResult("api", true)
		if st != models.CircuitClosed {
			t.Errorf("Expected closed after half-open success, got %s", st)
		}
		entry, _ := r.State("api")
		if entry.FailureCount != 0 {
			t.Errorf("Expected failure count reset, got %d", entry.FailureCount)
		}
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		r, now := newTestRegistry(t, 5, 300*time.Second)
		for i := 0; i < 5; i++ {
			r.RecordResult("api", false)
		}
		*now = now.Add(301 * time.Second)
		reopenedAt := *now

		st, _ := r.RecordResult("api", false)
		if st != models.CircuitOpen {
			t.Fatalf("Expected open after half-open failure, got %s", st)
		}

		// lastFailureAt was refreshed: the circuit stays open for a full
		// new recovery window.
		entry, _ := r.State("api")
		if !entry.LastFailureAt.Equal(reopenedAt) {
			t.Errorf("Expected lastFailureAt refreshed to %v, got %v", reopenedAt, entry.LastFailureAt)
		}
	})
}

func TestStateSurvivesRestart(t *testing.T) {
	store := state.NewMemStore()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	r1 := NewRegistry(store, 5, 300*time.Second, nil)
	r1.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		r1.RecordResult("api", false)
	}

	// A fresh registry over the same store sees the open circuit
	r2 := NewRegistry(store, 5, 300*time.Second, nil)
	r2.now = func() time.Time { return now }
	entry, err := r2.State("api")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if entry.State != models.CircuitOpen {
		t.Errorf("Expected open after restart, got %s", entry.State)
	}
	if entry.FailureCount != 5 {
		t.Errorf("Expected failure count 5 after restart, got %d", entry.FailureCount)
	}
}

func TestServices(t *testing.T) {
	r, _ := newTestRegistry(t, 5, 300*time.Second)
	r.RecordResult("api", false)
	r.RecordResult("worker", true)

	services, err := r.Services()
	if err != nil {
		t.Fatalf("Services failed: %v", err)
	}
	if len(services) != 2 {
		t.Errorf("Expected 2 services, got %d: %v", len(services), services)
	}
}
