// Package device maintains the set of remote execution endpoints known to
// the coordinator. Devices register over the transport, report liveness via
// heartbeats, and are claimed exclusively while a task runs on them.
package device

import (
	"time"
)

// Status is the lifecycle state of a device.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusOffline      Status = "offline"
	StatusUnknown      Status = "unknown"
)

// Available reports whether the device can accept a task right now.
func (s Status) Available() bool { return s == StatusIdle }

// Device is one remote execution endpoint. Copies returned by the registry
// are snapshots; the registry owns the live record.
type Device struct {
	DeviceID     string            `json:"device_id"`
	OS           string            `json:"os"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	Status Status `json:"status"`

	// CurrentTaskID is set while the device is BUSY; at most one task runs on
	// a device at a time.
	CurrentTaskID string `json:"current_task_id,omitempty"`

	LastHeartbeat      time.Time `json:"last_heartbeat"`
	ConnectionAttempts int       `json:"connection_attempts"`
	MaxRetries         int       `json:"max_retries"`
}

func (d *Device) clone() Device {
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// HasCapability reports whether the device declares the given capability.
func (d *Device) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// RegistrationInfo is the validated payload of a register frame.
type RegistrationInfo struct {
	DeviceID     string            `json:"device_id"`
	OS           string            `json:"os"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
