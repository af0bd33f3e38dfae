package hostproc

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

func cpuPercent(ctx context.Context) ([]float64, error) {
	return cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
}
