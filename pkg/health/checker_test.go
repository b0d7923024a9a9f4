package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Expected /health path, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(time.Second, nil)
	if err := c.Probe(context.Background(), srv.URL); err != nil {
		t.Errorf("Expected healthy probe, got %v", err)
	}
}

func TestProbeUnhealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewChecker(time.Second, nil)
	if err := c.Probe(context.Background(), srv.URL); err == nil {
		t.Error("Expected unhealthy probe for 503")
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	c := NewChecker(500*time.Millisecond, nil)
	if err := c.Probe(context.Background(), "http://127.0.0.1:1"); err == nil {
		t.Error("Expected probe failure for unreachable endpoint")
	}
}

func TestCheckRecoversWithinBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail the first two attempts, then recover
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(time.Second, nil)
	err := c.Check(context.Background(), srv.URL, 5, 10*time.Millisecond)
	if err != nil {
		t.Errorf("Expected recovery within budget, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestCheckExhaustsBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewChecker(time.Second, nil)
	err := c.Check(context.Background(), srv.URL, 3, 10*time.Millisecond)
	if err == nil {
		t.Fatal("Expected failure after exhausting attempts")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", n)
	}
}

func TestCheckObservesCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	c := NewChecker(time.Second, nil)
	start := time.Now()
	err := c.Check(ctx, srv.URL, 100, time.Second)
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Check did not exit promptly on cancellation, took %v", elapsed)
	}
}
