package constellation

// Task state transitions. Every transition recomputes the satisfied flag of
// the task's outbound edges before the lock is released, so observers that
// read the constellation after a completion event see consistent edges.

// refreshOutboundLocked recomputes satisfaction of all edges leaving taskID.
func (c *TaskConstellation) refreshOutboundLocked(taskID string) {
	status := c.tasks[taskID].Status
	for _, depID := range c.children[taskID] {
		line := c.deps[depID]
		line.Satisfied = line.satisfiedBy(status)
	}
}

func (c *TaskConstellation) setStatusLocked(task *TaskStar, status TaskStatus) {
	task.Status = status
	task.UpdatedAt = c.now().UTC()
	c.refreshOutboundLocked(task.TaskID)
	c.touchLocked()
}

// MarkReady promotes a PENDING task whose dependencies are satisfied and
// which carries a target device.
func (c *TaskConstellation) MarkReady(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if task.Status != TaskStatusPending {
		return violation(RuleNotModifiable, taskID, "cannot mark %s task ready", task.Status)
	}
	if task.TargetDeviceID == "" || !c.depsSatisfiedLocked(taskID) {
		return violation(RuleNotModifiable, taskID, "task %q is not eligible for ready", taskID)
	}
	c.setStatusLocked(task, TaskStatusReady)
	return nil
}

// TryStart atomically transitions a task to RUNNING. Readiness is re-checked
// under the write lock and the acquire callback is invoked while the lock is
// held, so a concurrent edit or competing dispatch cannot double-start the
// task. acquire typically claims the target device in the registry; when it
// returns false the task is left untouched.
func (c *TaskConstellation) TryStart(taskID string, acquire func(deviceID string) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if task.Status != TaskStatusPending && task.Status != TaskStatusReady {
		return violation(RuleNotModifiable, taskID, "task %q is %s, not startable", taskID, task.Status)
	}
	if task.TargetDeviceID == "" || !c.depsSatisfiedLocked(taskID) {
		return violation(RuleNotModifiable, taskID, "task %q is not ready", taskID)
	}
	if acquire != nil && !acquire(task.TargetDeviceID) {
		return violation(RuleNotModifiable, taskID, "device %q rejected assignment", task.TargetDeviceID)
	}
	task.StartedAt = float64(c.now().UnixNano()) / 1e9
	task.EndedAt = 0
	c.setStatusLocked(task, TaskStatusRunning)
	return nil
}

// CompleteTask transitions a RUNNING task to COMPLETED with a result.
func (c *TaskConstellation) CompleteTask(taskID, result string) error {
	return c.finishLocked(taskID, TaskStatusCompleted, result, "")
}

// FailTask transitions a RUNNING task to FAILED with an error message.
func (c *TaskConstellation) FailTask(taskID, errMsg string) error {
	return c.finishLocked(taskID, TaskStatusFailed, "", errMsg)
}

func (c *TaskConstellation) finishLocked(taskID string, status TaskStatus, result, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if task.Status != TaskStatusRunning {
		return violation(RuleNotModifiable, taskID, "cannot finish %s task", task.Status)
	}
	task.Result = result
	task.Error = errMsg
	task.EndedAt = float64(c.now().UnixNano()) / 1e9
	c.setStatusLocked(task, status)
	return nil
}

// CancelTask transitions any non-terminal task to CANCELLED.
func (c *TaskConstellation) CancelTask(taskID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if task.Status.IsTerminal() {
		return violation(RuleNotModifiable, taskID, "task %q is already %s", taskID, task.Status)
	}
	task.Error = reason
	if task.StartedAt != 0 && task.EndedAt == 0 {
		task.EndedAt = float64(c.now().UnixNano()) / 1e9
	}
	c.setStatusLocked(task, TaskStatusCancelled)
	return nil
}

// RequeueForRetry moves a RUNNING task back to PENDING for a fresh
// incarnation, incrementing retry_count. The caller enforces max_retries.
func (c *TaskConstellation) RequeueForRetry(taskID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return 0, unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if task.Status != TaskStatusRunning {
		return 0, violation(RuleNotModifiable, taskID, "cannot requeue %s task", task.Status)
	}
	task.RetryCount++
	task.StartedAt = 0
	task.EndedAt = 0
	task.Result = ""
	task.Error = ""
	c.setStatusLocked(task, TaskStatusPending)
	return task.RetryCount, nil
}

// ReleaseToPending returns a READY or RUNNING task to PENDING without
// counting a retry. Used when the target device is not available at dispatch
// time.
func (c *TaskConstellation) ReleaseToPending(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return unknown(RuleMissingTask, taskID, "task %q not found", taskID)
	}
	if task.Status != TaskStatusReady && task.Status != TaskStatusRunning {
		return violation(RuleNotModifiable, taskID, "cannot release %s task", task.Status)
	}
	task.StartedAt = 0
	c.setStatusLocked(task, TaskStatusPending)
	return nil
}

// SkipBlocked marks every task that can no longer run as SKIPPED: a task is
// blocked when some inbound edge is unsatisfied and its source is terminal in
// a state the edge will never accept. Returns the skipped task ids.
func (c *TaskConstellation) SkipBlocked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var skipped []string
	// Iterate to a fixed point so chains of blocked tasks all resolve.
	for {
		progressed := false
		for id, task := range c.tasks {
			if task.Status != TaskStatusPending && task.Status != TaskStatusReady {
				continue
			}
			if !c.blockedLocked(id) {
				continue
			}
			task.Error = "skipped: upstream dependency can no longer be satisfied"
			c.setStatusLocked(task, TaskStatusSkipped)
			skipped = append(skipped, id)
			progressed = true
		}
		if !progressed {
			return skipped
		}
	}
}

func (c *TaskConstellation) blockedLocked(taskID string) bool {
	for _, depID := range c.parents[taskID] {
		line := c.deps[depID]
		if line.Satisfied {
			continue
		}
		src := c.tasks[line.FromTaskID]
		if src.Status.IsTerminal() && !line.satisfiedBy(src.Status) {
			return true
		}
	}
	return false
}

// StatusCounts returns the number of tasks per status.
func (c *TaskConstellation) StatusCounts() map[TaskStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[TaskStatus]int)
	for _, t := range c.tasks {
		counts[t.Status]++
	}
	return counts
}

// HasRunning reports whether any task is currently RUNNING.
func (c *TaskConstellation) HasRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if t.Status == TaskStatusRunning {
			return true
		}
	}
	return false
}

// AllTerminal reports whether every task is in a terminal state.
func (c *TaskConstellation) AllTerminal() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}
