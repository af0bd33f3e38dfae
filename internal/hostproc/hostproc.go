// Package hostproc implements the host primitives spec.md treats as
// given: is_process_alive(pid) for crash detection, and a CPU sampler used
// by the resource guard's emergency-brake thresholds.
package hostproc

import (
	"context"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// IsProcessAlive reports whether pid currently names a live OS process.
// Used by the DataBlock management mutex and per-slot recovery to decide
// whether a stuck WriteLocked/ReadLocked slot's holder has crashed.
func IsProcessAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	alive, err := psprocess.PidExists(pid)
	if err != nil {
		// Treat an inspection error as "unknown, assume alive" — recovery
		// should never reclaim a slot out from under a process we simply
		// failed to query.
		return true
	}
	return alive
}

// CPUSampler periodically samples process-wide CPU percent for the
// resource guard's CPURejectThreshold/CPUPauseThreshold checks.
type CPUSampler struct {
	interval time.Duration
	last     float64
}

// NewCPUSampler creates a sampler that refreshes at the given interval.
func NewCPUSampler(interval time.Duration) *CPUSampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &CPUSampler{interval: interval}
}

// Run samples CPU percent in a loop until ctx is cancelled.
func (c *CPUSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpuPercent(ctx)
			if err == nil && len(percents) > 0 {
				c.last = percents[0]
			}
		}
	}
}

// Current returns the most recently sampled CPU percent (0 until the
// first tick completes).
func (c *CPUSampler) Current() float64 {
	return c.last
}
