package bridge

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSnapshot is a coarse picture of the host the bridge runs on.
// Individual readings are best effort; a probe that cannot read a signal
// leaves it zeroed.
type SystemSnapshot struct {
	Hostname       string  `json:"hostname,omitempty"`
	Platform       string  `json:"platform,omitempty"`
	UptimeSeconds  uint64  `json:"uptime_seconds,omitempty"`
	CPUCores       int     `json:"cpu_cores,omitempty"`
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
	MemTotalBytes  uint64  `json:"mem_total_bytes,omitempty"`
	MemUsedPercent float64 `json:"mem_used_percent,omitempty"`
	Load1          float64 `json:"load1,omitempty"`
}

// Probe collects a system snapshot with a short overall deadline so a slow
// reading never delays tool dispatch.
func Probe(ctx context.Context) SystemSnapshot {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var snap SystemSnapshot
	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.UptimeSeconds = info.Uptime
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotalBytes = vm.Total
		snap.MemUsedPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
	}
	return snap
}
