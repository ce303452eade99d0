package device

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LostTaskFunc is invoked for each task that was running on a device whose
// heartbeat lapsed. The orchestrator routes it into the transport-error path.
type LostTaskFunc func(deviceID, taskID string)

// Monitor periodically sweeps the registry for devices with lapsed
// heartbeats.
type Monitor struct {
	registry *Registry
	interval time.Duration
	grace    time.Duration
	onLost   LostTaskFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor. interval is the sweep period and
// grace the maximum heartbeat age before a device is declared gone.
func NewMonitor(registry *Registry, interval, grace time.Duration, onLost LostTaskFunc) *Monitor {
	return &Monitor{
		registry: registry,
		interval: interval,
		grace:    grace,
		onLost:   onLost,
	}
}

// Start launches the sweep loop. Stop or context cancellation ends it.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Monitor) sweep() {
	for _, lost := range m.registry.SweepStale(m.grace) {
		slog.Warn("monitor: device lost", "device_id", lost.DeviceID, "task_id", lost.TaskID)
		if lost.TaskID != "" && m.onLost != nil {
			m.onLost(lost.DeviceID, lost.TaskID)
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
