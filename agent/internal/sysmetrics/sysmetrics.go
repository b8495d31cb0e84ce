// Package sysmetrics collects host resource utilization for the
// SystemResources agent operation. Grounded on the teacher's
// agent/internal/metrics package, which stubbed this out with a TODO
// pointing at gopsutil -- this wires that TODO up.
package sysmetrics

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is the payload of a SystemResources response.
type Snapshot struct {
	CpuPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Collect samples current CPU, memory and disk utilization. The CPU figure
// is computed against the CPU times recorded at the previous call (interval
// 0), so no sampling window is waited for; callers on the hot path should
// not call this more often than once every few seconds.
func Collect(ctx context.Context, diskPath string) (Snapshot, error) {
	var snap Snapshot

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(cpuPercents) > 0 {
		snap.CpuPercent = cpuPercents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.DiskPercent = du.UsedPercent
	}

	return snap, nil
}
