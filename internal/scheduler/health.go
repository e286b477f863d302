package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
)

// SelfHealthMonitor samples this process's own CPU/memory usage and marks
// its Resource entry down when either exceeds its threshold, and back to
// ready once both recover. Remote node health otherwise comes entirely
// from Swarm task state (Monitor.pollJob); this only covers the
// coordinator's own host degrading under it.
type SelfHealthMonitor struct {
	resources    *resourcemgr.Manager
	nodeID       string
	interval     time.Duration
	cpuThreshold float64
	memThreshold float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSelfHealthMonitor constructs a SelfHealthMonitor for nodeID, sampling
// every interval.
func NewSelfHealthMonitor(resources *resourcemgr.Manager, nodeID string, interval time.Duration, cpuThreshold, memThreshold int) *SelfHealthMonitor {
	return &SelfHealthMonitor{
		resources:    resources,
		nodeID:       nodeID,
		interval:     interval,
		cpuThreshold: float64(cpuThreshold),
		memThreshold: float64(memThreshold),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the sampling loop in a background goroutine.
func (h *SelfHealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop signals the sampling loop to exit and waits for it.
func (h *SelfHealthMonitor) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *SelfHealthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sampleOnce(ctx)
		}
	}
}

func (h *SelfHealthMonitor) sampleOnce(ctx context.Context) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil || len(cpuPercent) == 0 {
		logging.Log.WithError(err).Warn("scheduler: failed to sample self cpu usage")
		return
	}
	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("scheduler: failed to sample self memory usage")
		return
	}

	degraded := cpuPercent[0] > h.cpuThreshold || vmStat.UsedPercent > h.memThreshold
	state := resourcemgr.StateReady
	if degraded {
		state = resourcemgr.StateDown
	}

	if err := h.resources.SetState(ctx, h.nodeID, state); err != nil {
		logging.Log.WithField("node_id", h.nodeID).WithError(err).Warn("scheduler: failed to record self health state")
		return
	}
	if degraded {
		logging.Log.WithField("node_id", h.nodeID).
			WithField("cpu_percent", cpuPercent[0]).
			WithField("mem_percent", vmStat.UsedPercent).
			Warn("scheduler: self node marked down under resource pressure")
	}
}
