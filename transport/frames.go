// Package transport carries JSON frames between the coordinator and device
// agents over persistent websocket connections. The channel is reliable
// within a connection and unreliable across disconnects; heartbeats detect
// silent failures.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/hrygo/galaxy/device"
)

// Frame type tags. Unknown tags are ignored with a warning so older
// coordinators tolerate newer devices.
const (
	FrameRegister    = "register"
	FrameRegisterAck = "register_ack"
	FrameHeartbeat   = "heartbeat"
	FrameTaskRequest = "task_request"
	FrameTaskReply   = "task_reply"
	FrameTaskAbort   = "task_abort"
	FrameEvent       = "event"
)

// envelope is the minimal decode used to select the concrete frame type.
type envelope struct {
	Type string `json:"type"`
}

// RegisterFrame is the first frame a device must send on a new connection.
type RegisterFrame struct {
	Type         string            `json:"type"`
	DeviceID     string            `json:"device_id"`
	OS           string            `json:"os"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Info converts the frame to the registry's registration payload.
func (f RegisterFrame) Info() device.RegistrationInfo {
	return device.RegistrationInfo{
		DeviceID:     f.DeviceID,
		OS:           f.OS,
		Capabilities: f.Capabilities,
		Metadata:     f.Metadata,
	}
}

// RegisterAckFrame acknowledges (or rejects) a registration.
type RegisterAckFrame struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatFrame reports device liveness at a configured interval.
type HeartbeatFrame struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// TaskRequestFrame ships one task to a device-side agent.
type TaskRequestFrame struct {
	Type            string   `json:"type"`
	SessionID       string   `json:"session_id"`
	ConstellationID string   `json:"constellation_id"`
	TaskID          string   `json:"task_id"`
	Description     string   `json:"description"`
	Tips            []string `json:"tips,omitempty"`

	// Context carries serialized results of the task's parents.
	Context map[string]string `json:"context,omitempty"`
}

// TaskReplyFrame is the device's terminal verdict for a task.
type TaskReplyFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	// Status is "completed" or "failed".
	Status   string         `json:"status"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration float64        `json:"duration,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

const (
	ReplyCompleted = "completed"
	ReplyFailed    = "failed"
)

// Valid reports whether the reply is well formed. A malformed reply is a
// device bug and is not retried.
func (f TaskReplyFrame) Valid() bool {
	if f.TaskID == "" {
		return false
	}
	switch f.Status {
	case ReplyCompleted, ReplyFailed:
	default:
		return false
	}
	if f.Status == ReplyCompleted && f.Error != "" {
		return false
	}
	return true
}

// TaskAbortFrame asks a device to stop a task, best effort.
type TaskAbortFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// EventFrame is an opaque informational passthrough to the event bus.
type EventFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a frame, enforcing the configured frame size cap.
func Encode(frame any, maxBytes int) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Detail: err.Error()}
	}
	if maxBytes > 0 && len(b) > maxBytes {
		return nil, &Error{Kind: KindFrameTooLarge, Detail: fmt.Sprintf("frame is %d bytes, cap %d", len(b), maxBytes)}
	}
	return b, nil
}

// Decode parses raw bytes into the typed frame for its tag. A nil frame with
// a nil error means the type tag is unknown and the frame should be skipped.
func Decode(data []byte, maxBytes int) (any, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, &Error{Kind: KindFrameTooLarge, Detail: fmt.Sprintf("frame is %d bytes, cap %d", len(data), maxBytes)}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Kind: KindMalformed, Detail: err.Error()}
	}

	var frame any
	switch env.Type {
	case FrameRegister:
		frame = &RegisterFrame{}
	case FrameRegisterAck:
		frame = &RegisterAckFrame{}
	case FrameHeartbeat:
		frame = &HeartbeatFrame{}
	case FrameTaskRequest:
		frame = &TaskRequestFrame{}
	case FrameTaskReply:
		frame = &TaskReplyFrame{}
	case FrameTaskAbort:
		frame = &TaskAbortFrame{}
	case FrameEvent:
		frame = &EventFrame{}
	default:
		// Forward compatibility: unknown frame kinds are skipped.
		return nil, nil
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, &Error{Kind: KindMalformed, Detail: err.Error()}
	}
	return frame, nil
}
