// Package health implements the HTTP health probe used by rollback
// verification and the monitor loop. A target is healthy when
// GET <endpoint>/health answers 200 within the probe timeout; no
// response body contract is assumed.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/metrics"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultAttempts = 30
	DefaultInterval = 10 * time.Second
)

// Checker issues health probes against HTTP endpoints
type Checker struct {
	client *http.Client
	logger *slog.Logger
}

// NewChecker creates a checker with the given per-attempt timeout
func NewChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Probe issues a single health check with no retries. A nil return means
// healthy. The monitor loop uses this so that failures accumulate in the
// circuit breaker instead of being absorbed here.
func (c *Checker) Probe(ctx context.Context, endpoint string) error {
	url := strings.TrimRight(endpoint, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid health endpoint %s: %w", endpoint, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.HealthProbesTotal.WithLabelValues("unhealthy").Inc()
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		metrics.HealthProbesTotal.WithLabelValues("unhealthy").Inc()
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	metrics.HealthProbesTotal.WithLabelValues("healthy").Inc()
	return nil
}

// Check blocks until the endpoint reports healthy or the retry budget is
// spent: up to maxAttempts probes, interval apart. Used for rollback
// verification. Returns the last probe error when the target never
// became healthy, and the context error when cancelled mid-wait.
func (c *Checker) Check(ctx context.Context, endpoint string, maxAttempts int, interval time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.Probe(ctx, endpoint)
		if lastErr == nil {
			c.logger.Debug("health check passed", "endpoint", endpoint, "attempt", attempt)
			return nil
		}
		c.logger.Debug("health check attempt failed",
			"endpoint", endpoint,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"err", lastErr,
		)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("unhealthy after %d attempts: %w", maxAttempts, lastErr)
}
