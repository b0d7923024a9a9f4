package sysinfo

import (
	"context"
	"strings"
	"testing"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

func TestPressureDetector(t *testing.T) {
	tests := []struct {
		name       string
		state      models.SystemState
		pressured  bool
		reasonPart string
	}{
		{
			name:      "all nominal",
			state:     models.SystemState{CPUPercent: 40, MemoryPercent: 55, DiskPercent: 30},
			pressured: false,
		},
		{
			name:       "cpu at threshold",
			state:      models.SystemState{CPUPercent: 90, MemoryPercent: 50, DiskPercent: 50},
			pressured:  true,
			reasonPart: "cpu",
		},
		{
			name:       "memory over threshold",
			state:      models.SystemState{CPUPercent: 50, MemoryPercent: 95.5, DiskPercent: 50},
			pressured:  true,
			reasonPart: "memory",
		},
		{
			name:       "disk over threshold",
			state:      models.SystemState{CPUPercent: 50, MemoryPercent: 50, DiskPercent: 85},
			pressured:  true,
			reasonPart: "disk",
		},
		{
			name:      "unavailable readings are never pressure",
			state:     models.UnknownSystemState(),
			pressured: false,
		},
		{
			name:      "just under every threshold",
			state:     models.SystemState{CPUPercent: 89.9, MemoryPercent: 89.9, DiskPercent: 84.9},
			pressured: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewPressureDetector(func(context.Context) models.SystemState { return tt.state })
			pressured, reason := d.Check(context.Background())
			if pressured != tt.pressured {
				t.Errorf("Expected pressured=%v, got %v (reason %q)", tt.pressured, pressured, reason)
			}
			if tt.pressured && !strings.Contains(reason, tt.reasonPart) {
				t.Errorf("Expected reason to mention %s, got %q", tt.reasonPart, reason)
			}
			if !tt.pressured && reason != "" {
				t.Errorf("Expected empty reason, got %q", reason)
			}
		})
	}
}
