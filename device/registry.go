package device

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hrygo/galaxy/events"
)

// entry pairs a device record with its own mutex. Registry-level membership
// is guarded by the registry lock; per-device status transitions take only
// the entry lock, so independent devices never contend.
type entry struct {
	mu  sync.Mutex
	dev Device
}

// Registry tracks all known devices and their status. It publishes
// device.* events on the bus; the bus is an explicit dependency, never a
// process global.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	bus     *events.Bus
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		bus:     bus,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) publish(t events.Type, p events.DevicePayload) {
	if r.bus != nil {
		r.bus.Publish(t, "registry", p)
	}
}

// Register validates a registration frame and stores the device as CONNECTED
// then IDLE. Re-registration under the same device_id replaces the stale
// record; the caller (transport) is responsible for closing the old
// connection. Returns true when the id replaced an existing registration.
func (r *Registry) Register(info RegistrationInfo, maxRetries int) (replaced bool, err error) {
	if info.DeviceID == "" {
		return false, fmt.Errorf("register: device_id must not be empty")
	}
	r.mu.Lock()
	_, replaced = r.devices[info.DeviceID]
	r.devices[info.DeviceID] = &entry{dev: Device{
		DeviceID:      info.DeviceID,
		OS:            info.OS,
		Capabilities:  append([]string(nil), info.Capabilities...),
		Metadata:      info.Metadata,
		Status:        StatusIdle,
		LastHeartbeat: r.now(),
		MaxRetries:    maxRetries,
	}}
	r.mu.Unlock()

	slog.Info("registry: device registered",
		"device_id", info.DeviceID,
		"os", info.OS,
		"capabilities", info.Capabilities,
		"replaced", replaced)
	r.publish(events.DeviceRegistered, events.DevicePayload{DeviceID: info.DeviceID, Status: string(StatusIdle)})
	return replaced, nil
}

func (r *Registry) entryFor(deviceID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[deviceID]
	return e, ok
}

// Exists reports whether the device is registered.
func (r *Registry) Exists(deviceID string) bool {
	_, ok := r.entryFor(deviceID)
	return ok
}

// Get returns a snapshot of the device record.
func (r *Registry) Get(deviceID string) (Device, bool) {
	e, ok := r.entryFor(deviceID)
	if !ok {
		return Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.clone(), true
}

// List returns snapshots of all devices, ordered by device id. The fixed
// order doubles as the lock acquisition order for multi-device operations.
func (r *Registry) List() []Device {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.Get(id); ok {
			out = append(out, d)
		}
	}
	return out
}

// IdleCount returns the number of devices currently able to take a task.
func (r *Registry) IdleCount() int {
	n := 0
	for _, d := range r.List() {
		if d.Status.Available() {
			n++
		}
	}
	return n
}

// Acquire claims an IDLE device for a task, transitioning it to BUSY. It is
// the only path that may start work on a device, which keeps the
// one-running-task-per-device invariant local to this method.
func (r *Registry) Acquire(deviceID, taskID string) bool {
	e, ok := r.entryFor(deviceID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dev.Status.Available() {
		return false
	}
	e.dev.Status = StatusBusy
	e.dev.CurrentTaskID = taskID
	r.publish(events.DeviceStatusChanged, events.DevicePayload{DeviceID: deviceID, Status: string(StatusBusy)})
	return true
}

// Release frees a BUSY device, setting the given status (IDLE after a clean
// reply, FAILED or DISCONNECTED after a transport problem).
func (r *Registry) Release(deviceID string, status Status) {
	e, ok := r.entryFor(deviceID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.dev.Status = status
	e.dev.CurrentTaskID = ""
	e.mu.Unlock()
	r.publish(events.DeviceStatusChanged, events.DevicePayload{DeviceID: deviceID, Status: string(status)})
}

// ReleaseTask is Release scoped to one assignment: it frees the device only
// if it is still busy with taskID. A no-op when the transport layer already
// moved the device (disconnect, quarantine) and reassigned or cleared it.
func (r *Registry) ReleaseTask(deviceID, taskID string, status Status) bool {
	e, ok := r.entryFor(deviceID)
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.dev.Status != StatusBusy || e.dev.CurrentTaskID != taskID {
		e.mu.Unlock()
		return false
	}
	e.dev.Status = status
	e.dev.CurrentTaskID = ""
	e.mu.Unlock()
	r.publish(events.DeviceStatusChanged, events.DevicePayload{DeviceID: deviceID, Status: string(status)})
	return true
}

// Heartbeat records device liveness. A FAILED device that heartbeats again
// recovers to IDLE (unless it is still BUSY).
func (r *Registry) Heartbeat(deviceID string, at time.Time) {
	e, ok := r.entryFor(deviceID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.IsZero() {
		at = r.now()
	}
	e.dev.LastHeartbeat = at
	switch e.dev.Status {
	case StatusFailed, StatusDisconnected, StatusConnected, StatusConnecting:
		e.dev.Status = StatusIdle
		r.publish(events.DeviceStatusChanged, events.DevicePayload{DeviceID: deviceID, Status: string(StatusIdle)})
	}
}

// MarkDisconnected transitions a device to DISCONNECTED and returns the task
// that was running on it, if any. The orchestrator cancels that task through
// its transport-error path.
func (r *Registry) MarkDisconnected(deviceID, reason string) (runningTask string) {
	e, ok := r.entryFor(deviceID)
	if !ok {
		return ""
	}
	e.mu.Lock()
	runningTask = e.dev.CurrentTaskID
	e.dev.Status = StatusDisconnected
	e.dev.CurrentTaskID = ""
	e.mu.Unlock()

	slog.Warn("registry: device disconnected", "device_id", deviceID, "reason", reason, "running_task", runningTask)
	r.publish(events.DeviceDisconnected, events.DevicePayload{DeviceID: deviceID, Status: string(StatusDisconnected), Reason: reason})
	return runningTask
}

// Quarantine marks a device FAILED without touching membership. Used when a
// round is force-cancelled while the device is still busy.
func (r *Registry) Quarantine(deviceID, reason string) {
	e, ok := r.entryFor(deviceID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.dev.Status = StatusFailed
	e.dev.CurrentTaskID = ""
	e.mu.Unlock()
	r.publish(events.DeviceStatusChanged, events.DevicePayload{DeviceID: deviceID, Status: string(StatusFailed), Reason: reason})
}

// LostDevice describes a device whose heartbeat lapsed, with the task that
// was running on it.
type LostDevice struct {
	DeviceID string
	TaskID   string
}

// SweepStale marks every device whose heartbeat is older than grace as
// DISCONNECTED. Devices are visited in id order, honoring the fixed lock
// acquisition order.
func (r *Registry) SweepStale(grace time.Duration) []LostDevice {
	cutoff := r.now().Add(-grace)
	var lost []LostDevice
	for _, d := range r.List() {
		switch d.Status {
		case StatusDisconnected, StatusOffline:
			continue
		}
		if d.LastHeartbeat.Before(cutoff) {
			taskID := r.MarkDisconnected(d.DeviceID, "heartbeat lapsed")
			lost = append(lost, LostDevice{DeviceID: d.DeviceID, TaskID: taskID})
		}
	}
	return lost
}
