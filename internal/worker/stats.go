package worker

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
)

// collectStats samples the local machine's load for the heartbeat. Sample
// failures degrade to zero values rather than suppressing the heartbeat.
func (a *Agent) collectStats() model.WorkerStats {
	stats := model.WorkerStats{
		TaskCount:   int(a.taskCount.Load()),
		CollectedAt: time.Now(),
	}

	if percentages, err := cpu.Percent(0, false); err != nil {
		a.logger.Debug("Failed to sample CPU usage", zap.Error(err))
	} else if len(percentages) > 0 {
		stats.CPUUsage = percentages[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		a.logger.Debug("Failed to sample memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = vm.UsedPercent
	}

	return stats
}
