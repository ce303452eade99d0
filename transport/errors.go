package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures; the orchestrator's retry policy
// branches on it.
type ErrorKind string

const (
	// KindTransport is a channel-level failure (send failed, connection
	// dropped). Retryable with backoff.
	KindTransport ErrorKind = "transport_error"
	// KindTimeout elapsed waiting for a task reply. Not retried; the device
	// is marked FAILED pending heartbeat recovery.
	KindTimeout ErrorKind = "timeout"
	// KindDeviceUnavailable means the target device does not exist or is not
	// IDLE at dispatch time. The task returns to PENDING.
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	// KindDeviceReported is a content-level failure reported by the device.
	// Never retried automatically; surfaced to the planner.
	KindDeviceReported ErrorKind = "device_reported_failure"
	// KindMalformed is an unparseable or invalid frame. A malformed reply is
	// a device bug and not retryable.
	KindMalformed ErrorKind = "malformed_reply"
	// KindFrameTooLarge rejects frames above the configured byte cap.
	KindFrameTooLarge ErrorKind = "frame_too_large"
	// KindCancelled marks cooperative cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// Error is a typed transport failure.
type Error struct {
	Kind     ErrorKind
	DeviceID string
	TaskID   string
	Detail   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transport: %s", e.Kind)
	if e.DeviceID != "" {
		msg += " device=" + e.DeviceID
	}
	if e.TaskID != "" {
		msg += " task=" + e.TaskID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Retryable reports whether the orchestrator may retry the dispatch.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport
}

// KindOf extracts the error kind from err, or "" when err is not a
// transport error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
