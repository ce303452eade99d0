// Package constellation implements the in-memory task DAG executed by the
// orchestrator. A TaskConstellation holds TaskStars (atomic units of work)
// connected by TaskStarLines (directed dependency edges), and exposes safe,
// idempotent mutation primitives plus derived queries over the graph.
package constellation

import (
	"time"
)

// TaskStatus represents the lifecycle state of a TaskStar.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusSkipped indicates the task was skipped due to upstream failure.
	TaskStatusSkipped TaskStatus = "skipped"
)

// IsTerminal returns true if the status is a final state.
func (ts TaskStatus) IsTerminal() bool {
	switch ts {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	}
	return false
}

// Priority orders tasks within the ready set. Lower values run first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool { return p >= PriorityHigh && p <= PriorityLow }

// DependencyType selects how an edge becomes satisfied.
type DependencyType string

const (
	// DependencyUnconditional is satisfied iff the source task reaches completed.
	DependencyUnconditional DependencyType = "unconditional"
	// DependencyCompletionOnly is satisfied on any terminal state of the source.
	DependencyCompletionOnly DependencyType = "completion_only"
	// DependencySuccessOnly is kept for wire compatibility and behaves
	// exactly like DependencyUnconditional.
	DependencySuccessOnly DependencyType = "success_only"
)

// State represents the lifecycle state of a whole constellation.
type State string

const (
	StateCreated   State = "created"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal returns true if the constellation can make no further progress.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskStar is one atomic unit of work inside a constellation.
// All fields are owned by the enclosing TaskConstellation and must only be
// mutated through its methods, under its write lock.
type TaskStar struct {
	TaskID string `json:"task_id"`

	// Name is a short human label; Description is the natural-language
	// contract shipped to the device-side agent.
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tips        []string `json:"tips,omitempty"`

	// TargetDeviceID is the device this task runs on. Empty means the
	// orchestrator defers the task until the planner assigns one.
	TargetDeviceID string `json:"target_device_id,omitempty"`

	Status   TaskStatus `json:"status"`
	Priority Priority   `json:"priority"`

	// Result and Error are mutually exclusive on terminal states.
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// StartedAt and EndedAt are seconds since epoch; zero means unset.
	StartedAt float64   `json:"started_at,omitempty"`
	EndedAt   float64   `json:"ended_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Duration returns the wall-clock execution time in seconds, or 0 when the
// task has not finished an incarnation.
func (t *TaskStar) Duration() float64 {
	if t.StartedAt == 0 || t.EndedAt == 0 || t.EndedAt < t.StartedAt {
		return 0
	}
	return t.EndedAt - t.StartedAt
}

func (t *TaskStar) clone() *TaskStar {
	c := *t
	if t.Tips != nil {
		c.Tips = append([]string(nil), t.Tips...)
	}
	return &c
}

// TaskStarLine is a directed dependency edge between two TaskStars.
type TaskStarLine struct {
	DependencyID string         `json:"dependency_id"`
	FromTaskID   string         `json:"from_task_id"`
	ToTaskID     string         `json:"to_task_id"`
	Type         DependencyType `json:"dependency_type"`

	// ConditionDescription is free text surfaced to the planner.
	ConditionDescription string `json:"condition_description,omitempty"`

	// Satisfied is derived from the source task's status and recomputed on
	// every source state change.
	Satisfied bool `json:"satisfied"`
}

func (l *TaskStarLine) clone() *TaskStarLine {
	c := *l
	return &c
}

// satisfiedBy reports whether the edge is satisfied when its source task is
// in the given status. SUCCESS_ONLY is a synonym of UNCONDITIONAL.
func (l *TaskStarLine) satisfiedBy(status TaskStatus) bool {
	if l.Type == DependencyCompletionOnly {
		return status.IsTerminal()
	}
	return status == TaskStatusCompleted
}

// TaskSpec describes a task for AddTask and BuildFromConfig.
type TaskSpec struct {
	TaskID         string   `json:"task_id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Tips           []string `json:"tips,omitempty"`
	TargetDeviceID string   `json:"target_device_id,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
}

// DependencySpec describes an edge for BuildFromConfig.
type DependencySpec struct {
	DependencyID         string         `json:"dependency_id"`
	FromTaskID           string         `json:"from_task_id"`
	ToTaskID             string         `json:"to_task_id"`
	Type                 DependencyType `json:"dependency_type,omitempty"`
	ConditionDescription string         `json:"condition_description,omitempty"`
}

// Config is the batch build input accepted by BuildFromConfig and by the
// planner's build_constellation tool.
type Config struct {
	Name         string            `json:"name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Tasks        []TaskSpec        `json:"tasks"`
	Dependencies []DependencySpec  `json:"dependencies,omitempty"`
}

// TaskPatch is a partial update applied by UpdateTask. Nil fields are left
// untouched. An all-nil patch is rejected as empty.
type TaskPatch struct {
	Name           *string   `json:"name,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Tips           *[]string `json:"tips,omitempty"`
	TargetDeviceID *string   `json:"target_device_id,omitempty"`
	Priority       *Priority `json:"priority,omitempty"`
	MaxRetries     *int      `json:"max_retries,omitempty"`
}

// Empty reports whether the patch carries no changes.
func (p TaskPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Tips == nil &&
		p.TargetDeviceID == nil && p.Priority == nil && p.MaxRetries == nil
}

// DeviceValidator lets the constellation consult the device registry when a
// task names a target device. A nil validator accepts every device id.
type DeviceValidator func(deviceID string) bool
