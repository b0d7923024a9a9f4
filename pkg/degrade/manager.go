// Package degrade applies non-rollback fallback mitigations: feature
// toggles, cache mode, and service mesh bypass. Dependent services poll
// the degradation config; the controller is its sole writer and every
// write replaces the whole document atomically.
package degrade

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

// ConfigKey is the state store key of the global degradation document
const ConfigKey = "degradation"

// knownFeatures is every toggle the controller manages. New features
// default to enabled.
var knownFeatures = []string{
	"ai_features",
	"real_time_collaboration",
	"performance_monitoring",
	"verbose_logging",
	"background_indexing",
	"telemetry",
}

// minimalFeatures stay enabled even under severe degradation
var minimalFeatures = map[string]bool{
	"error_reporting": true,
}

// serviceFeatures maps a service to the ordered list of non-critical
// features cleared when it enters degraded mode. Unknown services get
// the generic no-op path.
var serviceFeatures = map[string][]string{
	"ai-lsp":              {"ai_features", "real_time_collaboration", "background_indexing"},
	"ai-inference":        {"ai_features", "telemetry"},
	"collaboration":       {"real_time_collaboration"},
	"performance-monitor": {"performance_monitoring", "verbose_logging"},
}

// levelFeatures maps each degradation tier to the features it disables
var levelFeatures = map[models.DegradationLevel][]string{
	models.DegradationMinimal:  {"verbose_logging", "telemetry"},
	models.DegradationModerate: {"verbose_logging", "telemetry", "background_indexing", "performance_monitoring"},
	// severe is handled specially: everything off except minimalFeatures
}

// Manager owns the degradation config document
type Manager struct {
	mu     sync.Mutex
	store  state.Store
	logger *slog.Logger
}

func NewManager(store state.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Current returns the live config, synthesizing the default (everything
// enabled) when none has been written yet.
func (m *Manager) Current() (*models.DegradationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// TriggerDegradedMode disables the fixed feature subset registered for
// the service. Unknown services are logged and leave the config
// untouched.
func (m *Manager) TriggerDegradedMode(service, reason string) error {
	features, ok := serviceFeatures[service]
	if !ok {
		m.logger.Warn("no degradation profile for service, applying generic no-op",
			"service", service, "reason", reason)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return err
	}
	for _, f := range features {
		cfg.Features[f] = false
	}
	cfg.LastReason = fmt.Sprintf("degraded mode for %s: %s", service, reason)

	if err := m.save(cfg); err != nil {
		return err
	}
	metrics.DegradationsTotal.WithLabelValues("degraded_mode").Inc()
	m.logger.Info("degraded mode applied", "service", service, "reason", reason, "features_disabled", features)
	return nil
}

// GracefulDegrade applies one of the three coarse degradation tiers.
// Severe disables every known feature except the minimal set.
func (m *Manager) GracefulDegrade(service string, level models.DegradationLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return err
	}

	switch level {
	case models.DegradationMinimal, models.DegradationModerate:
		for _, f := range levelFeatures[level] {
			cfg.Features[f] = false
		}
	case models.DegradationSevere:
		for _, f := range knownFeatures {
			cfg.Features[f] = minimalFeatures[f]
		}
	default:
		return fmt.Errorf("unknown degradation level: %s", level)
	}
	cfg.Level = level
	cfg.LastReason = fmt.Sprintf("graceful degradation (%s) for %s", level, service)

	if err := m.save(cfg); err != nil {
		return err
	}
	metrics.DegradationsTotal.WithLabelValues("level").Inc()
	m.logger.Info("graceful degradation applied", "service", service, "level", level)
	return nil
}

// CachingFallback swaps the caching strategy. The dependent service
// reloads its config; nothing is restarted here.
func (m *Manager) CachingFallback(mode models.CacheMode) error {
	switch mode {
	case models.CacheInMemory, models.CacheFilesystem, models.CacheDisabled:
	default:
		return fmt.Errorf("unknown cache mode: %s", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return err
	}
	cfg.CacheMode = mode
	if err := m.save(cfg); err != nil {
		return err
	}
	metrics.DegradationsTotal.WithLabelValues("cache").Inc()
	m.logger.Info("caching fallback applied", "mode", mode)
	return nil
}

// ServiceMeshFallback swaps the mesh routing strategy
func (m *Manager) ServiceMeshFallback(mode models.MeshMode) error {
	switch mode {
	case models.MeshLocal, models.MeshBasic, models.MeshNone:
	default:
		return fmt.Errorf("unknown service mesh mode: %s", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load()
	if err != nil {
		return err
	}
	cfg.ServiceMeshMode = mode
	if err := m.save(cfg); err != nil {
		return err
	}
	metrics.DegradationsTotal.WithLabelValues("mesh").Inc()
	m.logger.Info("service mesh fallback applied", "mode", mode)
	return nil
}

// Reset re-enables every feature and clears fallback modes
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := defaultConfig()
	cfg.LastReason = "reset"
	return m.save(cfg)
}

func defaultConfig() *models.DegradationConfig {
	features := make(map[string]bool, len(knownFeatures))
	for _, f := range knownFeatures {
		features[f] = true
	}
	return &models.DegradationConfig{Features: features}
}

func (m *Manager) load() (*models.DegradationConfig, error) {
	data, found, err := m.store.Get(ConfigKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return defaultConfig(), nil
	}
	var cfg models.DegradationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("corrupt degradation config: %w", err)
	}
	if cfg.Features == nil {
		cfg.Features = defaultConfig().Features
	}
	return &cfg, nil
}

func (m *Manager) save(cfg *models.DegradationConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return m.store.Set(ConfigKey, data)
}
