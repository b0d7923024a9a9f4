package config

import (
	"os"
	"testing"
	"time"
)

func TestNewConfigDefaults(t *testing.T) {
	// Clear any existing env vars
	os.Unsetenv("ROLLBACK_TIMEOUT")
	os.Unsetenv("MONITOR_DURATION")
	os.Unsetenv("HEALTH_CHECK_INTERVAL")
	os.Unsetenv("FAILURE_THRESHOLD")
	os.Unsetenv("ROLLBACK_PERCENTAGE")

	cfg := NewConfig()

	if cfg.RollbackTimeout != 600*time.Second {
		t.Errorf("Expected default rollback timeout 600s, got %v", cfg.RollbackTimeout)
	}

	if cfg.MonitorDuration != 3600*time.Second {
		t.Errorf("Expected default monitor duration 3600s, got %v", cfg.MonitorDuration)
	}

	if cfg.HealthCheckInterval != 60*time.Second {
		t.Errorf("Expected default health check interval 60s, got %v", cfg.HealthCheckInterval)
	}

	if cfg.FailureThreshold != 3 {
		t.Errorf("Expected default failure threshold 3, got %d", cfg.FailureThreshold)
	}

	if cfg.RollbackPercentage != 25 {
		t.Errorf("Expected default rollback percentage 25, got %d", cfg.RollbackPercentage)
	}

	if cfg.BreakerThreshold != 5 {
		t.Errorf("Expected default breaker threshold 5, got %d", cfg.BreakerThreshold)
	}

	if cfg.BreakerRecovery != 300*time.Second {
		t.Errorf("Expected default breaker recovery 300s, got %v", cfg.BreakerRecovery)
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	os.Setenv("ROLLBACK_TIMEOUT", "120")
	os.Setenv("FAILURE_THRESHOLD", "5")
	os.Setenv("ROLLBACK_PERCENTAGE", "50")
	os.Setenv("SERVICE_NAME", "payments")
	defer os.Unsetenv("ROLLBACK_TIMEOUT")
	defer os.Unsetenv("FAILURE_THRESHOLD")
	defer os.Unsetenv("ROLLBACK_PERCENTAGE")
	defer os.Unsetenv("SERVICE_NAME")

	cfg := NewConfig()

	if cfg.RollbackTimeout != 120*time.Second {
		t.Errorf("Expected rollback timeout 120s from env, got %v", cfg.RollbackTimeout)
	}

	if cfg.FailureThreshold != 5 {
		t.Errorf("Expected failure threshold 5 from env, got %d", cfg.FailureThreshold)
	}

	if cfg.RollbackPercentage != 50 {
		t.Errorf("Expected rollback percentage 50 from env, got %d", cfg.RollbackPercentage)
	}

	if cfg.ServiceName != "payments" {
		t.Errorf("Expected service name payments, got %s", cfg.ServiceName)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"empty service", func(c *Config) { c.ServiceName = "" }, true},
		{"percentage too low", func(c *Config) { c.RollbackPercentage = 0 }, true},
		{"percentage too high", func(c *Config) { c.RollbackPercentage = 101 }, true},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }, true},
		{"storage without dsn", func(c *Config) { c.StorageEnabled = true; c.DatabaseURL = "" }, true},
		{"bad output format", func(c *Config) { c.OutputFormat = "yaml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointDerivation(t *testing.T) {
	cfg := NewConfig()
	cfg.ServiceName = "api"
	cfg.Namespace = "prod"
	cfg.HealthPort = 9000
	cfg.HealthEndpoint = ""

	got := cfg.ServiceEndpoint()
	want := "http://api.prod.svc.cluster.local:9000"
	if got != want {
		t.Errorf("ServiceEndpoint() = %s, want %s", got, want)
	}

	cfg.HealthEndpoint = "http://override:8080"
	if cfg.ServiceEndpoint() != "http://override:8080" {
		t.Errorf("Expected explicit endpoint to win, got %s", cfg.ServiceEndpoint())
	}

	gotColor := cfg.ColorEndpoint("green")
	wantColor := "http://api-green.prod.svc.cluster.local:9000"
	if gotColor != wantColor {
		t.Errorf("ColorEndpoint() = %s, want %s", gotColor, wantColor)
	}

	if cfg.ColorDeployment("blue") != "api-blue" {
		t.Errorf("ColorDeployment() = %s, want api-blue", cfg.ColorDeployment("blue"))
	}
}
