package models

import "time"

// DegradationLevel is the coarse three-tier degradation setting
type DegradationLevel string

const (
	DegradationMinimal  DegradationLevel = "minimal"
	DegradationModerate DegradationLevel = "moderate"
	DegradationSevere   DegradationLevel = "severe"
)

// CacheMode selects the caching fallback strategy
type CacheMode string

const (
	CacheInMemory   CacheMode = "in_memory"
	CacheFilesystem CacheMode = "filesystem"
	CacheDisabled   CacheMode = "disabled"
)

// MeshMode selects the service mesh fallback strategy
type MeshMode string

const (
	MeshLocal MeshMode = "local"
	MeshBasic MeshMode = "basic"
	MeshNone  MeshMode = "none"
)

// DegradationConfig is the single global feature-toggle document read by
// dependent services. The controller is the sole writer; writes must be
// atomic so readers never observe partial JSON.
type DegradationConfig struct {
	Features        map[string]bool  `json:"features"`
	Level           DegradationLevel `json:"level,omitempty"`
	CacheMode       CacheMode        `json:"cache_mode,omitempty"`
	ServiceMeshMode MeshMode         `json:"service_mesh_mode,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
	LastReason      string           `json:"last_reason,omitempty"`
}
