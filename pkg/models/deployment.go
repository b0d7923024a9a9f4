package models

import "time"

// Color identifies one side of a blue-green deployment pair
type Color string

const (
	ColorBlue  Color = "blue"
	ColorGreen Color = "green"
)

// Opposite returns the other side of the blue-green pair
func (c Color) Opposite() Color {
	if c == ColorBlue {
		return ColorGreen
	}
	return ColorBlue
}

// Valid reports whether the color is one of the two known values
func (c Color) Valid() bool {
	return c == ColorBlue || c == ColorGreen
}

// DeploymentSnapshot is the durable record of a deployed version.
// One snapshot is written per successful deploy and never mutated;
// rollbacks read the most recent snapshot with RollbackAvailable=true.
type DeploymentSnapshot struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	CommitSHA         string    `json:"commit_sha"`
	Environment       string    `json:"deployment_environment"`
	DockerImages      []string  `json:"docker_images"`
	ActiveContainers  []string  `json:"active_containers"`
	ActiveColor       Color     `json:"active_color"`
	RollbackAvailable bool      `json:"rollback_available"`
}

// SystemState captures resource utilization at the moment a rollback
// record is written. Values are percentages; -1 means unavailable.
type SystemState struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	DiskPercent   float64 `json:"disk"`
}

// UnknownSystemState is recorded when no metrics source could be reached.
func UnknownSystemState() SystemState {
	return SystemState{CPUPercent: -1, MemoryPercent: -1, DiskPercent: -1}
}

// RollbackType distinguishes the three rollback strategies
type RollbackType string

const (
	RollbackImmediate RollbackType = "immediate"
	RollbackBlueGreen RollbackType = "blue_green"
	RollbackCanary    RollbackType = "canary"
)

// RollbackRecord is the append-only audit entry written at the end of
// every rollback attempt, successful or not.
type RollbackRecord struct {
	ID           string       `json:"id"`
	RollbackType RollbackType `json:"rollback_type"`
	Reason       string       `json:"reason"`
	Target       string       `json:"target"`
	Success      bool         `json:"success"`
	Timestamp    time.Time    `json:"timestamp"`
	SystemState  SystemState  `json:"system_state_snapshot"`
}
