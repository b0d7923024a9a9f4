package sysinfo

import (
	"context"
	"fmt"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// Pressure thresholds (utilization percent) above which the monitor
// loop asks the degradation manager to shed non-critical features.
const (
	CPUPressureThreshold    = 90.0
	MemoryPressureThreshold = 90.0
	DiskPressureThreshold   = 85.0
)

// SnapshotFunc matches Collector.Snapshot; injectable for tests
type SnapshotFunc func(ctx context.Context) models.SystemState

// PressureDetector reports whether cluster resources are exhausted
type PressureDetector struct {
	snapshot SnapshotFunc
}

func NewPressureDetector(snapshot SnapshotFunc) *PressureDetector {
	return &PressureDetector{snapshot: snapshot}
}

// Check returns true and a human-readable reason when any resource is
// past its threshold. Unavailable readings (-1) are never pressure.
func (d *PressureDetector) Check(ctx context.Context) (bool, string) {
	st := d.snapshot(ctx)
	switch {
	case st.CPUPercent >= CPUPressureThreshold:
		return true, fmt.Sprintf("cpu utilization %.1f%% >= %.0f%%", st.CPUPercent, CPUPressureThreshold)
	case st.MemoryPercent >= MemoryPressureThreshold:
		return true, fmt.Sprintf("memory utilization %.1f%% >= %.0f%%", st.MemoryPercent, MemoryPressureThreshold)
	case st.DiskPercent >= DiskPressureThreshold:
		return true, fmt.Sprintf("disk utilization %.1f%% >= %.0f%%", st.DiskPercent, DiskPressureThreshold)
	}
	return false, ""
}
