// Package events provides the in-process publish/subscribe backbone. All
// diagnostics and presentation feeds hang off the bus; core components only
// ever publish, never block on a subscriber.
package events

import "time"

// Type identifies an event kind. The taxonomy below is the full set core
// components emit; subscribers must tolerate kinds they do not know.
type Type string

const (
	ConstellationCreated   Type = "constellation.created"
	ConstellationEdited    Type = "constellation.edited"
	ConstellationCompleted Type = "constellation.completed"
	ConstellationFailed    Type = "constellation.failed"
	ConstellationCancelled Type = "constellation.cancelled"

	TaskCreated   Type = "task.created"
	TaskReady     Type = "task.ready"
	TaskAssigned  Type = "task.assigned"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskCancelled Type = "task.cancelled"
	TaskRetried   Type = "task.retried"

	DependencyAdded     Type = "dependency.added"
	DependencyRemoved   Type = "dependency.removed"
	DependencyUpdated   Type = "dependency.updated"
	DependencySatisfied Type = "dependency.satisfied"

	DeviceRegistered    Type = "device.registered"
	DeviceDisconnected  Type = "device.disconnected"
	DeviceStatusChanged Type = "device.status_changed"
	// DeviceEvent carries opaque informational frames forwarded from devices.
	DeviceEvent Type = "device.event"

	AgentResponse Type = "agent.response"
	AgentAction   Type = "agent.action"

	SessionStarted Type = "session.started"
	RoundStarted   Type = "session.round_started"
	RoundEnded     Type = "session.round_ended"
	SessionEnded   Type = "session.session_ended"

	// SubscriberOverflow is published by the bus to itself when a slow
	// subscriber's queue drops an event.
	SubscriberOverflow Type = "subscriber_overflow"
)

// Event is one bus message. Seq is monotonic across the bus; per-object
// delivery order matches occurrence order, global order is best effort.
type Event struct {
	Type      Type      `json:"event_type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id"`
	Payload   any       `json:"payload,omitempty"`
}

// TaskPayload is the payload for task.* events.
type TaskPayload struct {
	ConstellationID string `json:"constellation_id"`
	TaskID          string `json:"task_id"`
	DeviceID        string `json:"device_id,omitempty"`
	Status          string `json:"status,omitempty"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	RetryCount      int    `json:"retry_count,omitempty"`
}

// DependencyPayload is the payload for dependency.* events.
type DependencyPayload struct {
	ConstellationID string `json:"constellation_id"`
	DependencyID    string `json:"dependency_id"`
	FromTaskID      string `json:"from_task_id,omitempty"`
	ToTaskID        string `json:"to_task_id,omitempty"`
	DependencyType  string `json:"dependency_type,omitempty"`
}

// DevicePayload is the payload for device.* events.
type DevicePayload struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// AgentPayload is the payload for agent.* events exposing planner activity.
type AgentPayload struct {
	State    string `json:"state,omitempty"`
	Thought  string `json:"thought,omitempty"`
	Response string `json:"response,omitempty"`
	Tool     string `json:"tool,omitempty"`
	Args     any    `json:"args,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OverflowPayload is the payload for subscriber_overflow events.
type OverflowPayload struct {
	Subscriber string `json:"subscriber"`
	Dropped    uint64 `json:"dropped"`
}
