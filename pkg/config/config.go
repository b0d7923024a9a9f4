package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// Config holds controller configuration
type Config struct {
	// Deployment identity
	DeploymentEnv  string
	DockerRegistry string
	Namespace      string
	ServiceName    string

	// Health checking
	HealthEndpoint string // explicit override; derived from service when empty
	HealthPort     int
	ProbeTimeout   time.Duration // per-attempt timeout
	VerifyAttempts int           // bounded retry budget for rollback verification
	VerifyInterval time.Duration

	// Rollback
	RollbackTimeout    time.Duration // overall per-operation deadline
	RollbackPercentage int           // canary share of replicas withdrawn
	GracefulShutdown   time.Duration
	DrainPeriod        time.Duration // deferred cleanup of the losing color
	CanaryWindow       time.Duration
	CanaryInterval     time.Duration

	// Monitoring
	MonitorDuration     time.Duration
	HealthCheckInterval time.Duration
	FailureThreshold    int

	// Circuit breaker
	BreakerThreshold int
	BreakerRecovery  time.Duration

	// State & notifications
	StateDir           string
	WebhookURL         string
	CriticalWebhookURL string

	// Resource pressure / metrics
	PrometheusURL string

	// Storage
	StorageEnabled bool
	DatabaseURL    string

	// Output
	OutputFormat string // text, json
	Verbose      bool
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	return &Config{
		DeploymentEnv:  getEnv("DEPLOYMENT_ENV", "production"),
		DockerRegistry: getEnv("DOCKER_REGISTRY", ""),
		Namespace:      getEnv("KUBE_NAMESPACE", "default"),
		ServiceName:    getEnv("SERVICE_NAME", "app"),

		HealthEndpoint: getEnv("HEALTH_ENDPOINT", ""),
		HealthPort:     getEnvInt("HEALTH_PORT", 8080),
		ProbeTimeout:   getEnvSeconds("HEALTH_CHECK_TIMEOUT", 10),
		VerifyAttempts: getEnvInt("HEALTH_CHECK_RETRIES", 30),
		VerifyInterval: getEnvSeconds("HEALTH_CHECK_RETRY_INTERVAL", 10),

		RollbackTimeout:    getEnvSeconds("ROLLBACK_TIMEOUT", 600),
		RollbackPercentage: getEnvInt("ROLLBACK_PERCENTAGE", 25),
		GracefulShutdown:   getEnvSeconds("GRACEFUL_SHUTDOWN_TIMEOUT", 30),
		DrainPeriod:        getEnvSeconds("DRAIN_PERIOD", 300),
		CanaryWindow:       getEnvSeconds("CANARY_WINDOW", 300),
		CanaryInterval:     getEnvSeconds("CANARY_CHECK_INTERVAL", 30),

		MonitorDuration:     getEnvSeconds("MONITOR_DURATION", 3600),
		HealthCheckInterval: getEnvSeconds("HEALTH_CHECK_INTERVAL", 60),
		FailureThreshold:    getEnvInt("FAILURE_THRESHOLD", 3),

		BreakerThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		BreakerRecovery:  getEnvSeconds("CIRCUIT_RECOVERY_TIMEOUT", 300),

		StateDir:           getEnv("STATE_DIR", "/var/lib/rollback-controller"),
		WebhookURL:         getEnv("WEBHOOK_URL", ""),
		CriticalWebhookURL: getEnv("CRITICAL_WEBHOOK_URL", ""),

		PrometheusURL: getEnv("PROMETHEUS_URL", ""),

		StorageEnabled: getEnvBool("STORAGE_ENABLED", false),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		OutputFormat: getEnv("OUTPUT_FORMAT", "text"),
		Verbose:      getEnvBool("VERBOSE", false),
	}
}

// ServiceEndpoint returns the health base URL of the live service:
// the explicit HEALTH_ENDPOINT when set, otherwise the in-cluster
// service DNS name.
func (c *Config) ServiceEndpoint() string {
	if c.HealthEndpoint != "" {
		return c.HealthEndpoint
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", c.ServiceName, c.Namespace, c.HealthPort)
}

// ColorEndpoint returns the health base URL of one blue-green side,
// addressed through its per-color service.
func (c *Config) ColorEndpoint(color models.Color) string {
	return fmt.Sprintf("http://%s-%s.%s.svc.cluster.local:%d", c.ServiceName, color, c.Namespace, c.HealthPort)
}

// ColorDeployment returns the deployment name of one blue-green side
func (c *Config) ColorDeployment(color models.Color) string {
	return fmt.Sprintf("%s-%s", c.ServiceName, color)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvSeconds reads a whole-seconds env var into a Duration
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME must not be empty")
	}
	if c.RollbackPercentage < 1 || c.RollbackPercentage > 100 {
		return fmt.Errorf("ROLLBACK_PERCENTAGE must be between 1 and 100, got %d", c.RollbackPercentage)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD must be >= 1, got %d", c.FailureThreshold)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be >= 1, got %d", c.BreakerThreshold)
	}
	if c.VerifyAttempts < 1 {
		return fmt.Errorf("HEALTH_CHECK_RETRIES must be >= 1, got %d", c.VerifyAttempts)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive")
	}
	if c.RollbackTimeout <= 0 {
		return fmt.Errorf("ROLLBACK_TIMEOUT must be positive")
	}
	if c.StorageEnabled && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when storage is enabled")
	}
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("unsupported output format: %s", c.OutputFormat)
	}
	return nil
}
