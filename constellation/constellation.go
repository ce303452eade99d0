package constellation

import (
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// TaskConstellation is the DAG of work for one user request during one round.
// The graph is protected by a single readers-writer lock: mutation primitives
// take the write lock, queries the read lock. Mutation primitives are pure
// functions of (current state, input); on rejection they return an *EditError
// and leave the constellation untouched.
type TaskConstellation struct {
	mu sync.RWMutex

	id       string
	name     string
	metadata map[string]string
	state    State

	tasks map[string]*TaskStar
	deps  map[string]*TaskStarLine

	// children and parents index dependency ids by task id.
	children map[string][]string
	parents  map[string][]string

	// topoCache holds a cached topological order; nil after any edit. It has
	// its own mutex so read-locked queries can fill it.
	topoMu    sync.Mutex
	topoCache []string

	createdAt time.Time
	updatedAt time.Time

	deviceCheck DeviceValidator
	now         func() time.Time
}

// New creates an empty constellation in state CREATED.
func New(name string) *TaskConstellation {
	c := &TaskConstellation{
		id:       "const-" + shortuuid.New(),
		name:     name,
		metadata: make(map[string]string),
		state:    StateCreated,
		tasks:    make(map[string]*TaskStar),
		deps:     make(map[string]*TaskStarLine),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
		now:      time.Now,
	}
	c.createdAt = c.now().UTC()
	c.updatedAt = c.createdAt
	return c
}

// SetDeviceValidator installs a registry check consulted whenever a task spec
// or patch names a target device.
func (c *TaskConstellation) SetDeviceValidator(v DeviceValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceCheck = v
}

// SetClock overrides the time source. Intended for tests.
func (c *TaskConstellation) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// ID returns the constellation id.
func (c *TaskConstellation) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Name returns the constellation name.
func (c *TaskConstellation) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// State returns the constellation lifecycle state.
func (c *TaskConstellation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState transitions the constellation lifecycle state.
func (c *TaskConstellation) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.touchLocked()
}

func (c *TaskConstellation) touchLocked() {
	c.updatedAt = c.now().UTC()
}

func (c *TaskConstellation) invalidateLocked() {
	c.topoMu.Lock()
	c.topoCache = nil
	c.topoMu.Unlock()
	c.touchLocked()
}

func (c *TaskConstellation) validDeviceLocked(deviceID string) bool {
	if deviceID == "" || c.deviceCheck == nil {
		return true
	}
	return c.deviceCheck(deviceID)
}

// AddTask inserts a new PENDING task. It rejects duplicate ids, empty specs,
// and target devices unknown to the registry.
func (c *TaskConstellation) AddTask(spec TaskSpec) (*TaskStar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, err := c.addTaskLocked(spec)
	if err != nil {
		return nil, err
	}
	c.invalidateLocked()
	return task.clone(), nil
}

func (c *TaskConstellation) addTaskLocked(spec TaskSpec) (*TaskStar, error) {
	if spec.TaskID == "" {
		return nil, violation(RuleBadSpec, "", "task_id must not be empty")
	}
	if spec.Description == "" {
		return nil, violation(RuleBadSpec, spec.TaskID, "description must not be empty")
	}
	if _, exists := c.tasks[spec.TaskID]; exists {
		return nil, violation(RuleDuplicate, spec.TaskID, "task %q already exists", spec.TaskID)
	}
	if !c.validDeviceLocked(spec.TargetDeviceID) {
		return nil, unknown(RuleUnknownDevice, spec.TaskID, "device %q is not registered", spec.TargetDeviceID)
	}
	priority := spec.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, violation(RuleBadSpec, spec.TaskID, "priority %d out of range", priority)
	}
	now := c.now().UTC()
	task := &TaskStar{
		TaskID:         spec.TaskID,
		Name:           spec.Name,
		Description:    spec.Description,
		Tips:           append([]string(nil), spec.Tips...),
		TargetDeviceID: spec.TargetDeviceID,
		Status:         TaskStatusPending,
		Priority:       priority,
		CreatedAt:      now,
		UpdatedAt:      now,
		MaxRetries:     spec.MaxRetries,
	}
	c.tasks[task.TaskID] = task
	return task, nil
}

// RemoveTask removes the task and all incident edges. Tasks that are RUNNING
// or COMPLETED (progress that cannot be replayed) are not removable; a FAILED
// task may be removed so the planner can repair the graph around it.
func (c *TaskConstellation) RemoveTask(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if task.Status == TaskStatusRunning || task.Status == TaskStatusCompleted {
		return violation(RuleNotModifiable, taskID, "task %q is %s and cannot be removed", taskID, task.Status)
	}
	for _, depID := range append(append([]string(nil), c.children[taskID]...), c.parents[taskID]...) {
		c.removeDependencyLocked(depID)
	}
	delete(c.tasks, taskID)
	c.invalidateLocked()
	return nil
}

// UpdateTask applies a partial update to a task that has not started running.
// An empty patch is rejected without modifying updated_at.
func (c *TaskConstellation) UpdateTask(taskID string, patch TaskPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if patch.Empty() {
		return violation(RuleEmptyPatch, taskID, "patch carries no changes")
	}
	switch task.Status {
	case TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return violation(RuleNotModifiable, taskID, "task %q is %s and cannot be updated", taskID, task.Status)
	}
	if patch.TargetDeviceID != nil && !c.validDeviceLocked(*patch.TargetDeviceID) {
		return unknown(RuleUnknownDevice, taskID, "device %q is not registered", *patch.TargetDeviceID)
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return violation(RuleBadSpec, taskID, "priority %d out of range", *patch.Priority)
	}

	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Tips != nil {
		task.Tips = append([]string(nil), (*patch.Tips)...)
	}
	if patch.TargetDeviceID != nil {
		task.TargetDeviceID = *patch.TargetDeviceID
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.MaxRetries != nil {
		task.MaxRetries = *patch.MaxRetries
	}
	task.UpdatedAt = c.now().UTC()
	c.invalidateLocked()
	return nil
}

// AddDependency inserts a directed edge. It rejects self-loops, duplicate
// edge ids, duplicate (from, to) pairs, references to missing tasks, and any
// edge whose insertion would create a cycle.
func (c *TaskConstellation) AddDependency(depID, from, to string, typ DependencyType, desc string) (*TaskStarLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := c.addDependencyLocked(depID, from, to, typ, desc)
	if err != nil {
		return nil, err
	}
	c.invalidateLocked()
	return line.clone(), nil
}

func (c *TaskConstellation) addDependencyLocked(depID, from, to string, typ DependencyType, desc string) (*TaskStarLine, error) {
	if depID == "" {
		return nil, violation(RuleBadSpec, "", "dependency_id must not be empty")
	}
	if from == to {
		return nil, violation(RuleSelfLoop, depID, "task %q cannot depend on itself", from)
	}
	if _, exists := c.deps[depID]; exists {
		return nil, violation(RuleDuplicate, depID, "dependency %q already exists", depID)
	}
	src, ok := c.tasks[from]
	if !ok {
		return nil, unknown(RuleMissingTask, from, "from task %q not found", from)
	}
	if _, ok := c.tasks[to]; !ok {
		return nil, unknown(RuleMissingTask, to, "to task %q not found", to)
	}
	for _, existing := range c.children[from] {
		if c.deps[existing].ToTaskID == to {
			return nil, violation(RuleDuplicate, depID, "edge %s -> %s already exists as %q", from, to, existing)
		}
	}
	if c.reachableLocked(to, from) {
		return nil, violation(RuleCycle, depID, "edge %s -> %s would create a cycle", from, to)
	}
	switch typ {
	case "":
		typ = DependencyUnconditional
	case DependencyUnconditional, DependencyCompletionOnly, DependencySuccessOnly:
	default:
		return nil, violation(RuleBadSpec, depID, "unknown dependency type %q", typ)
	}
	line := &TaskStarLine{
		DependencyID:         depID,
		FromTaskID:           from,
		ToTaskID:             to,
		Type:                 typ,
		ConditionDescription: desc,
	}
	line.Satisfied = line.satisfiedBy(src.Status)
	c.deps[depID] = line
	c.children[from] = append(c.children[from], depID)
	c.parents[to] = append(c.parents[to], depID)
	return line, nil
}

// reachableLocked reports whether target is reachable from start following
// edge direction. Depth-first, O(V+E) per call.
func (c *TaskConstellation) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	visited := make(map[string]bool, len(c.tasks))
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, depID := range c.children[cur] {
			next := c.deps[depID].ToTaskID
			if next == target {
				return true
			}
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}

// RemoveDependency removes an edge. Edges whose source task has started
// running (or finished) are frozen history and cannot be removed.
func (c *TaskConstellation) RemoveDependency(depID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, ok := c.deps[depID]
	if !ok {
		return unknown(RuleMissingEdge, depID, "dependency %q not found", depID)
	}
	if src, ok := c.tasks[line.FromTaskID]; ok {
		switch src.Status {
		case TaskStatusRunning, TaskStatusCompleted:
			return violation(RuleNotModifiable, depID, "source task %q is %s", line.FromTaskID, src.Status)
		}
	}
	c.removeDependencyLocked(depID)
	c.invalidateLocked()
	return nil
}

func (c *TaskConstellation) removeDependencyLocked(depID string) {
	line, ok := c.deps[depID]
	if !ok {
		return
	}
	c.children[line.FromTaskID] = removeString(c.children[line.FromTaskID], depID)
	c.parents[line.ToTaskID] = removeString(c.parents[line.ToTaskID], depID)
	if len(c.children[line.FromTaskID]) == 0 {
		delete(c.children, line.FromTaskID)
	}
	if len(c.parents[line.ToTaskID]) == 0 {
		delete(c.parents, line.ToTaskID)
	}
	delete(c.deps, depID)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// UpdateDependency replaces the condition description of an edge.
func (c *TaskConstellation) UpdateDependency(depID, desc string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, ok := c.deps[depID]
	if !ok {
		return unknown(RuleMissingEdge, depID, "dependency %q not found", depID)
	}
	line.ConditionDescription = desc
	c.touchLocked()
	return nil
}

// BuildFromConfig atomically applies a batch build: optionally clears the
// graph, inserts all tasks, then all edges. Any failure rolls the
// constellation back to the pre-call snapshot.
func (c *TaskConstellation) BuildFromConfig(cfg Config, clear bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	backup := c.copyLocked()

	if clear {
		c.tasks = make(map[string]*TaskStar)
		c.deps = make(map[string]*TaskStarLine)
		c.children = make(map[string][]string)
		c.parents = make(map[string][]string)
	}
	if cfg.Name != "" {
		c.name = cfg.Name
	}
	for k, v := range cfg.Metadata {
		c.metadata[k] = v
	}

	var err error
	for _, spec := range cfg.Tasks {
		if _, err = c.addTaskLocked(spec); err != nil {
			break
		}
	}
	if err == nil {
		for _, d := range cfg.Dependencies {
			if _, err = c.addDependencyLocked(d.DependencyID, d.FromTaskID, d.ToTaskID, d.Type, d.ConditionDescription); err != nil {
				break
			}
		}
	}
	if err != nil {
		c.restoreLocked(backup)
		return err
	}
	c.invalidateLocked()
	return nil
}

// Task returns a copy of the task with the given id.
func (c *TaskConstellation) Task(taskID string) (*TaskStar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.clone(), true
}

// Tasks returns copies of all tasks in ready-set order.
func (c *TaskConstellation) Tasks() []*TaskStar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TaskStar, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.clone())
	}
	sortTasks(out)
	return out
}

// Dependencies returns copies of all edges sorted by dependency id.
func (c *TaskConstellation) Dependencies() []*TaskStarLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TaskStarLine, 0, len(c.deps))
	for _, d := range c.deps {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DependencyID < out[j].DependencyID })
	return out
}

// OutboundSatisfied returns copies of the satisfied edges leaving taskID,
// sorted by dependency id. Callers use it to report which edges a task's
// terminal status unlocked.
func (c *TaskConstellation) OutboundSatisfied(taskID string) []*TaskStarLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*TaskStarLine
	for _, depID := range c.children[taskID] {
		if line := c.deps[depID]; line.Satisfied {
			out = append(out, line.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DependencyID < out[j].DependencyID })
	return out
}

// sortTasks orders tasks by (priority asc, created_at asc, task_id lex), the
// total order the scheduler and tests depend on.
func sortTasks(tasks []*TaskStar) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TaskID < b.TaskID
	})
}

func (c *TaskConstellation) depsSatisfiedLocked(taskID string) bool {
	for _, depID := range c.parents[taskID] {
		if !c.deps[depID].Satisfied {
			return false
		}
	}
	return true
}

// ReadyTasks returns tasks whose inbound edges are all satisfied and which
// have not started yet, regardless of device assignment.
func (c *TaskConstellation) ReadyTasks() []*TaskStar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*TaskStar
	for _, t := range c.tasks {
		if (t.Status == TaskStatusPending || t.Status == TaskStatusReady) && c.depsSatisfiedLocked(t.TaskID) {
			out = append(out, t.clone())
		}
	}
	sortTasks(out)
	return out
}

// ExecutableTasks returns the ready tasks that also carry a target device and
// are therefore eligible for immediate dispatch. The returned order is the
// scheduler's dispatch order.
func (c *TaskConstellation) ExecutableTasks() []*TaskStar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*TaskStar
	for _, t := range c.tasks {
		if (t.Status == TaskStatusPending || t.Status == TaskStatusReady) &&
			t.TargetDeviceID != "" && c.depsSatisfiedLocked(t.TaskID) {
			out = append(out, t.clone())
		}
	}
	sortTasks(out)
	return out
}

// copyLocked deep-copies the mutable graph state for rollback.
type graphBackup struct {
	name      string
	metadata  map[string]string
	tasks     map[string]*TaskStar
	deps      map[string]*TaskStarLine
	children  map[string][]string
	parents   map[string][]string
	updatedAt time.Time
}

func (c *TaskConstellation) copyLocked() *graphBackup {
	b := &graphBackup{
		name:      c.name,
		metadata:  make(map[string]string, len(c.metadata)),
		tasks:     make(map[string]*TaskStar, len(c.tasks)),
		deps:      make(map[string]*TaskStarLine, len(c.deps)),
		children:  make(map[string][]string, len(c.children)),
		parents:   make(map[string][]string, len(c.parents)),
		updatedAt: c.updatedAt,
	}
	for k, v := range c.metadata {
		b.metadata[k] = v
	}
	for id, t := range c.tasks {
		b.tasks[id] = t.clone()
	}
	for id, d := range c.deps {
		b.deps[id] = d.clone()
	}
	for id, s := range c.children {
		b.children[id] = append([]string(nil), s...)
	}
	for id, s := range c.parents {
		b.parents[id] = append([]string(nil), s...)
	}
	return b
}

func (c *TaskConstellation) restoreLocked(b *graphBackup) {
	c.name = b.name
	c.metadata = b.metadata
	c.tasks = b.tasks
	c.deps = b.deps
	c.children = b.children
	c.parents = b.parents
	c.updatedAt = b.updatedAt
	c.topoMu.Lock()
	c.topoCache = nil
	c.topoMu.Unlock()
}

// Clone returns an independent deep copy of the constellation. The planner's
// editor stages a whole turn against a clone and swaps it in on success, so a
// rejected turn leaves no partial application behind.
func (c *TaskConstellation) Clone() *TaskConstellation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.copyLocked()
	clone := &TaskConstellation{
		id:          c.id,
		state:       c.state,
		createdAt:   c.createdAt,
		deviceCheck: c.deviceCheck,
		now:         c.now,
		metadata:    make(map[string]string),
	}
	clone.restoreLocked(b)
	return clone
}

// ReplaceFrom overwrites this constellation's graph with the other's. Both
// must originate from the same Clone lineage.
func (c *TaskConstellation) ReplaceFrom(other *TaskConstellation) {
	other.mu.RLock()
	b := other.copyLocked()
	state := other.state
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.restoreLocked(b)
	c.state = state
	c.touchLocked()
}
