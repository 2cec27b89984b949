// Package hostmetrics collects host and supervised-child resource
// utilization for exposition via internal/health. It replaces a
// zero-valued stand-in the donor's metrics package shipped with a TODO
// to wire up gopsutil once monitoring was needed.
package hostmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is a point-in-time resource usage reading. Percent fields are
// 0-100; a field is left at zero (rather than erroring the whole call) when
// its underlying gopsutil probe fails, since a metrics gap should never
// take down the supervisor.
type Snapshot struct {
	HostCPUPercent  float64
	HostMemPercent  float64
	HostDiskPercent float64

	ChildPID        int32
	ChildCPUPercent float64
	ChildMemPercent float32
}

// sampleWindow is how long cpu.PercentWithContext measures over. Must be
// short relative to BlockTime so a sample never delays a tick.
const sampleWindow = 200 * time.Millisecond

// diskPath is the filesystem Collect reports disk usage for. It is always
// the root filesystem; when the download directory lives on another mount,
// HostDiskPercent does not reflect the space left for an install.
const diskPath = "/"

// Collect samples host-wide CPU, memory, and disk usage, plus CPU and
// memory usage of the process identified by childPID (pass 0 to skip the
// child sample, e.g. before any worker has been spawned).
func Collect(ctx context.Context, childPID int32) Snapshot {
	snap := Snapshot{ChildPID: childPID}

	if pcts, err := cpu.PercentWithContext(ctx, sampleWindow, false); err == nil && len(pcts) > 0 {
		snap.HostCPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.HostMemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.HostDiskPercent = du.UsedPercent
	}

	if childPID > 0 {
		if proc, err := process.NewProcessWithContext(ctx, childPID); err == nil {
			if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
				snap.ChildCPUPercent = pct
			}
			if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
				snap.ChildMemPercent = pct
			}
		}
	}

	return snap
}

// String renders a Snapshot for structured log fields and debug output.
func (s Snapshot) String() string {
	return fmt.Sprintf("host(cpu=%.1f%% mem=%.1f%% disk=%.1f%%) child[pid=%d](cpu=%.1f%% mem=%.1f%%)",
		s.HostCPUPercent, s.HostMemPercent, s.HostDiskPercent,
		s.ChildPID, s.ChildCPUPercent, s.ChildMemPercent)
}
