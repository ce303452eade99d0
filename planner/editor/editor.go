// Package editor is the planner's only mutation path into a constellation.
// It exposes a small named-tool surface; a whole planner turn is staged
// against a clone of the graph and swapped in only when every call succeeds.
package editor

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hrygo/galaxy/constellation"
	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
)

// Call is one tool invocation as parsed out of a planner response.
type Call struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Editor applies tool calls to a constellation.
type Editor struct {
	con      *constellation.TaskConstellation
	registry *device.Registry
	bus      *events.Bus

	// defaultMaxRetries fills task specs that omit max_retries. An explicit
	// zero stays zero.
	defaultMaxRetries int

	tools map[string]applyFunc
}

type applyFunc func(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error)

// stagedEvent is a bus event held back until the whole turn commits; a
// rejected turn publishes nothing.
type stagedEvent struct {
	typ     events.Type
	payload any
}

// New builds an editor bound to one constellation and the live registry.
func New(con *constellation.TaskConstellation, registry *device.Registry, bus *events.Bus, defaultMaxRetries int) *Editor {
	e := &Editor{
		con:               con,
		registry:          registry,
		bus:               bus,
		defaultMaxRetries: defaultMaxRetries,
	}
	// Static tool table. Registration happens exactly once, here; tools are
	// plain methods, not decorated free functions.
	e.tools = map[string]applyFunc{
		"add_task":            e.addTask,
		"remove_task":         e.removeTask,
		"update_task":         e.updateTask,
		"add_dependency":      e.addDependency,
		"remove_dependency":   e.removeDependency,
		"update_dependency":   e.updateDependency,
		"build_constellation": e.buildConstellation,
	}
	return e
}

// ToolNames lists the available tools, sorted, for prompt construction.
func (e *Editor) ToolNames() []string {
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyTurn applies a whole turn of calls atomically: all edits land, or
// none do. On success it returns the snapshot JSON of the updated
// constellation; on failure the live graph is untouched and the typed error
// describes the first rejected call.
func (e *Editor) ApplyTurn(calls []Call) (string, error) {
	if len(calls) == 0 {
		return e.snapshotJSON()
	}

	staged := e.con.Clone()
	var pending []stagedEvent
	for i, call := range calls {
		apply, ok := e.tools[call.Tool]
		if !ok {
			return "", fmt.Errorf("turn call %d: unknown tool %q", i, call.Tool)
		}
		evts, err := apply(staged, call.Args)
		if err != nil {
			return "", fmt.Errorf("turn call %d (%s): %w", i, call.Tool, err)
		}
		pending = append(pending, evts...)
	}
	e.con.ReplaceFrom(staged)

	if e.bus != nil {
		for _, ev := range pending {
			e.bus.Publish(ev.typ, "editor", ev.payload)
		}
		e.bus.Publish(events.ConstellationEdited, "editor", events.TaskPayload{
			ConstellationID: e.con.ID(),
		})
	}
	return e.snapshotJSON()
}

func (e *Editor) snapshotJSON() (string, error) {
	data, err := e.con.Snapshot().JSON()
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	return string(data), nil
}

// taskArgs is the wire shape of add_task arguments. MaxRetries is a pointer
// so an omitted field takes the configured default while an explicit zero
// disables retries.
type taskArgs struct {
	TaskID         string   `json:"task_id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Tips           []string `json:"tips"`
	TargetDeviceID string   `json:"target_device_id"`
	Priority       int      `json:"priority"`
	MaxRetries     *int     `json:"max_retries"`
}

func (e *Editor) specFrom(a taskArgs) constellation.TaskSpec {
	maxRetries := e.defaultMaxRetries
	if a.MaxRetries != nil {
		maxRetries = *a.MaxRetries
	}
	return constellation.TaskSpec{
		TaskID:         a.TaskID,
		Name:           a.Name,
		Description:    a.Description,
		Tips:           a.Tips,
		TargetDeviceID: a.TargetDeviceID,
		Priority:       constellation.Priority(a.Priority),
		MaxRetries:     maxRetries,
	}
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return fmt.Errorf("missing arguments")
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("bad arguments: %w", err)
	}
	return nil
}

func (e *Editor) addTask(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error) {
	var a taskArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if _, err := con.AddTask(e.specFrom(a)); err != nil {
		return nil, err
	}
	return []stagedEvent{{events.TaskCreated, events.TaskPayload{
		ConstellationID: con.ID(),
		TaskID:          a.TaskID,
		DeviceID:        a.TargetDeviceID,
	}}}, nil
}

func (e *Editor) removeTask(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error) {
	var a struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return nil, con.RemoveTask(a.TaskID)
}

func (e *Editor) updateTask(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error) {
	var a struct {
		TaskID string                  `json:"task_id"`
		Patch  constellation.TaskPatch `json:"patch"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return nil, con.UpdateTask(a.TaskID, a.Patch)
}

func (e *Editor) addDependency(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error) {
	var a struct {
		DependencyID         string `json:"dependency_id"`
		FromTaskID           string `json:"from_task_id"`
		ToTaskID             string `json:"to_task_id"`
		DependencyType       string `json:"dependency_type"`
		ConditionDescription string `json:"condition_description"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	typ := constellation.DependencyType(a.DependencyType)
	if a.DependencyType == "" {
		typ = constellation.DependencyUnconditional
	}
	if _, err := con.AddDependency(a.DependencyID, a.FromTaskID, a.ToTaskID, typ, a.ConditionDescription); err != nil {
		return nil, err
	}
	return []stagedEvent{{events.DependencyAdded, events.DependencyPayload{
		ConstellationID: con.ID(),
		DependencyID:    a.DependencyID,
		FromTaskID:      a.FromTaskID,
		ToTaskID:        a.ToTaskID,
		DependencyType:  string(typ),
	}}}, nil
}

func (e *Editor) removeDependency(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error) {
	var a struct {
		DependencyID string `json:"dependency_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := con.RemoveDependency(a.DependencyID); err != nil {
		return nil, err
	}
	return []stagedEvent{{events.DependencyRemoved, events.DependencyPayload{
		ConstellationID: con.ID(),
		DependencyID:    a.DependencyID,
	}}}, nil
}

func (e *Editor) updateDependency(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error) {
	var a struct {
		DependencyID         string `json:"dependency_id"`
		ConditionDescription string `json:"condition_description"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := con.UpdateDependency(a.DependencyID, a.ConditionDescription); err != nil {
		return nil, err
	}
	return []stagedEvent{{events.DependencyUpdated, events.DependencyPayload{
		ConstellationID: con.ID(),
		DependencyID:    a.DependencyID,
	}}}, nil
}

func (e *Editor) buildConstellation(con *constellation.TaskConstellation, args json.RawMessage) ([]stagedEvent, error) {
	var a struct {
		Name         string                         `json:"name"`
		Tasks        []taskArgs                     `json:"tasks"`
		Dependencies []constellation.DependencySpec `json:"dependencies"`
		Clear        bool                           `json:"clear"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	cfg := constellation.Config{Name: a.Name, Dependencies: a.Dependencies}
	for _, t := range a.Tasks {
		cfg.Tasks = append(cfg.Tasks, e.specFrom(t))
	}
	if err := con.BuildFromConfig(cfg, a.Clear); err != nil {
		return nil, err
	}
	evts := []stagedEvent{{events.ConstellationCreated, events.TaskPayload{ConstellationID: con.ID()}}}
	for _, t := range a.Tasks {
		evts = append(evts, stagedEvent{events.TaskCreated, events.TaskPayload{
			ConstellationID: con.ID(),
			TaskID:          t.TaskID,
			DeviceID:        t.TargetDeviceID,
		}})
	}
	for _, d := range a.Dependencies {
		typ := d.Type
		if typ == "" {
			typ = constellation.DependencyUnconditional
		}
		evts = append(evts, stagedEvent{events.DependencyAdded, events.DependencyPayload{
			ConstellationID: con.ID(),
			DependencyID:    d.DependencyID,
			FromTaskID:      d.FromTaskID,
			ToTaskID:        d.ToTaskID,
			DependencyType:  string(typ),
		}})
	}
	return evts, nil
}
