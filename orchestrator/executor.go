package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/galaxy/constellation"
	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
	"github.com/hrygo/galaxy/transport"
)

// execute drives one RUNNING task through a single dispatch round trip and
// settles it: COMPLETED, FAILED, CANCELLED, or back to PENDING for a retry.
// The device was claimed under the constellation lock before this runs.
func (o *Orchestrator) execute(ctx context.Context, taskID, deviceID string) {
	task, ok := o.con.Task(taskID)
	if !ok {
		// Removed out from under us; only non-RUNNING tasks are removable,
		// so this indicates a bug upstream.
		slog.Error("executor: running task vanished", "task_id", taskID)
		o.registry.ReleaseTask(deviceID, taskID, device.StatusIdle)
		return
	}

	req := &transport.TaskRequestFrame{
		Type:            transport.FrameTaskRequest,
		SessionID:       o.sessionID,
		ConstellationID: o.con.ID(),
		TaskID:          taskID,
		Description:     task.Description,
		Tips:            task.Tips,
		Context:         o.parentResults(taskID),
	}

	o.publish(events.TaskStarted, events.TaskPayload{
		TaskID:     taskID,
		DeviceID:   deviceID,
		RetryCount: task.RetryCount,
	})
	slog.Info("executor: task dispatched",
		"task_id", taskID, "device_id", deviceID, "attempt", task.RetryCount)

	dispatchCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	reply, err := o.dispatcher.Dispatch(dispatchCtx, deviceID, req)
	cancel()

	if err != nil {
		o.settleError(ctx, task, deviceID, err)
		return
	}

	switch reply.Status {
	case transport.ReplyCompleted:
		if err := o.con.CompleteTask(taskID, reply.Result); err != nil {
			slog.Warn("executor: completion lost a race", "task_id", taskID, "err", err)
		}
		o.registry.ReleaseTask(deviceID, taskID, device.StatusIdle)
		o.publish(events.TaskCompleted, events.TaskPayload{
			TaskID:   taskID,
			DeviceID: deviceID,
			Result:   reply.Result,
		})
		o.publishSatisfied(taskID)
	case transport.ReplyFailed:
		// A device-reported failure is a content problem, not a channel
		// problem. Retrying the same instruction is pointless; the planner
		// repairs the graph instead.
		msg := reply.Error
		if msg == "" {
			msg = "device reported failure without detail"
		}
		if err := o.con.FailTask(taskID, msg); err != nil {
			slog.Warn("executor: failure lost a race", "task_id", taskID, "err", err)
		}
		o.registry.ReleaseTask(deviceID, taskID, device.StatusIdle)
		o.publish(events.TaskFailed, events.TaskPayload{
			TaskID:   taskID,
			DeviceID: deviceID,
			Error:    msg,
		})
		o.publishSatisfied(taskID)
	default:
		o.settleError(ctx, task, deviceID, &transport.Error{
			Kind:     transport.KindMalformed,
			DeviceID: deviceID,
			TaskID:   taskID,
			Detail:   fmt.Sprintf("reply status %q", reply.Status),
		})
	}
}

// settleError maps a dispatch failure to the task's next state. ctx is the
// executor context, already free of the dispatch deadline.
func (o *Orchestrator) settleError(ctx context.Context, task *constellation.TaskStar, deviceID string, err error) {
	taskID := task.TaskID
	kind := transport.KindOf(err)
	if kind == transport.KindCancelled && ctx.Err() == nil {
		// The dispatch deadline, not our cancellation. Classify as timeout.
		kind = transport.KindTimeout
	}
	o.mu.Lock()
	_, wasLost := o.lost[taskID]
	delete(o.lost, taskID)
	o.mu.Unlock()
	if wasLost && kind == transport.KindCancelled {
		// Cancelled because the device vanished, not because the round was
		// aborted. Settle as a channel failure.
		kind = transport.KindTransport
		err = &transport.Error{
			Kind:     transport.KindTransport,
			DeviceID: deviceID,
			TaskID:   taskID,
			Detail:   "device connection lost during execution",
		}
	}

	switch kind {
	case transport.KindCancelled:
		o.dispatcher.Abort(deviceID, taskID)
		if cerr := o.con.CancelTask(taskID, "execution cancelled"); cerr != nil {
			slog.Warn("executor: cancel lost a race", "task_id", taskID, "err", cerr)
		}
		o.registry.ReleaseTask(deviceID, taskID, device.StatusIdle)
		o.publish(events.TaskCancelled, events.TaskPayload{TaskID: taskID, DeviceID: deviceID})
		o.publishSatisfied(taskID)

	case transport.KindTransport:
		// Channel-level failure: the work may never have reached the device.
		// Retry with backoff while the budget lasts.
		if task.RetryCount < task.MaxRetries {
			attempt, rerr := o.con.RequeueForRetry(taskID)
			if rerr != nil {
				slog.Warn("executor: requeue lost a race", "task_id", taskID, "err", rerr)
				o.registry.ReleaseTask(deviceID, taskID, device.StatusDisconnected)
				return
			}
			delay := o.cfg.backoffDelay(attempt)
			o.mu.Lock()
			o.notBefore[taskID] = time.Now().Add(delay)
			o.mu.Unlock()
			// The hub usually marks the device DISCONNECTED before Dispatch
			// returns; this covers failures that left it nominally busy.
			o.registry.ReleaseTask(deviceID, taskID, device.StatusDisconnected)
			o.publish(events.TaskRetried, events.TaskPayload{
				TaskID:     taskID,
				DeviceID:   deviceID,
				RetryCount: attempt,
				Error:      err.Error(),
			})
			slog.Info("executor: task requeued for retry",
				"task_id", taskID, "attempt", attempt, "delay", delay)
			return
		}
		o.failTask(taskID, deviceID, device.StatusDisconnected,
			fmt.Sprintf("transport failure after %d retries: %v", task.RetryCount, err))

	case transport.KindTimeout:
		// The device may still be chewing on the task; quarantine it until a
		// heartbeat proves it recovered.
		o.dispatcher.Abort(deviceID, taskID)
		o.failTask(taskID, deviceID, device.StatusFailed,
			fmt.Sprintf("no reply within %s", o.cfg.TaskTimeout))

	case transport.KindDeviceUnavailable:
		// Lost the device between assignment and dispatch. Not the task's
		// fault: back to PENDING without burning a retry.
		if rerr := o.con.ReleaseToPending(taskID); rerr != nil {
			slog.Warn("executor: release lost a race", "task_id", taskID, "err", rerr)
		}
		o.registry.ReleaseTask(deviceID, taskID, device.StatusDisconnected)

	case transport.KindMalformed:
		o.failTask(taskID, deviceID, device.StatusIdle,
			fmt.Sprintf("malformed reply: %v", err))

	default:
		if errors.Is(err, context.Canceled) {
			o.settleError(ctx, task, deviceID, &transport.Error{
				Kind: transport.KindCancelled, DeviceID: deviceID, TaskID: taskID,
			})
			return
		}
		o.failTask(taskID, deviceID, device.StatusIdle, err.Error())
	}
}

func (o *Orchestrator) failTask(taskID, deviceID string, devStatus device.Status, msg string) {
	if err := o.con.FailTask(taskID, msg); err != nil {
		slog.Warn("executor: failure lost a race", "task_id", taskID, "err", err)
	}
	o.registry.ReleaseTask(deviceID, taskID, devStatus)
	o.publish(events.TaskFailed, events.TaskPayload{
		TaskID:   taskID,
		DeviceID: deviceID,
		Error:    msg,
	})
	o.publishSatisfied(taskID)
	slog.Warn("executor: task failed", "task_id", taskID, "device_id", deviceID, "error", msg)
}

// publishSatisfied reports the edges a task's terminal status unlocked.
// COMPLETION_ONLY edges satisfy on any terminal status, so failure and
// cancellation paths report too.
func (o *Orchestrator) publishSatisfied(taskID string) {
	if o.bus == nil {
		return
	}
	for _, line := range o.con.OutboundSatisfied(taskID) {
		o.bus.Publish(events.DependencySatisfied, "orchestrator", events.DependencyPayload{
			ConstellationID: o.con.ID(),
			DependencyID:    line.DependencyID,
			FromTaskID:      line.FromTaskID,
			ToTaskID:        line.ToTaskID,
			DependencyType:  string(line.Type),
		})
	}
}

// settleCancelled handles an executor that was cancelled before its dispatch
// ever started (pool admission interrupted).
func (o *Orchestrator) settleCancelled(taskID, deviceID string) {
	if err := o.con.CancelTask(taskID, "execution cancelled"); err != nil {
		slog.Warn("executor: cancel lost a race", "task_id", taskID, "err", err)
	}
	o.registry.ReleaseTask(deviceID, taskID, device.StatusIdle)
	o.publish(events.TaskCancelled, events.TaskPayload{TaskID: taskID, DeviceID: deviceID})
	o.publishSatisfied(taskID)
}

// parentResults collects the results of the task's satisfied parents, keyed
// by parent task id, for injection into the outgoing request.
func (o *Orchestrator) parentResults(taskID string) map[string]string {
	var out map[string]string
	for _, line := range o.con.Dependencies() {
		if line.ToTaskID != taskID || !line.Satisfied {
			continue
		}
		parent, ok := o.con.Task(line.FromTaskID)
		if !ok || parent.Result == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[parent.TaskID] = parent.Result
	}
	return out
}
