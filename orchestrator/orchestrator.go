package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/galaxy/constellation"
	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
	"github.com/hrygo/galaxy/transport"
)

// Dispatcher is the transport port the orchestrator dispatches through.
// *transport.Hub implements it; tests substitute a scripted fleet.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, req *transport.TaskRequestFrame) (*transport.TaskReplyFrame, error)
	Abort(deviceID, taskID string)
}

// Orchestrator executes one constellation. It owns no structural mutations:
// the planner edits the graph through the editor; executors only move task
// state.
type Orchestrator struct {
	con        *constellation.TaskConstellation
	registry   *device.Registry
	dispatcher Dispatcher
	bus        *events.Bus
	cfg        *Config
	sessionID  string

	wakeup chan struct{}

	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
	notBefore map[string]time.Time
	lost      map[string]struct{}
	cancelled bool

	executors sync.WaitGroup
	sem       *semaphore.Weighted

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}

	devSub  *events.Subscription
	watcher sync.WaitGroup
}

// New creates an orchestrator for one constellation.
func New(con *constellation.TaskConstellation, registry *device.Registry, dispatcher Dispatcher, bus *events.Bus, sessionID string, opts ...Option) *Orchestrator {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Orchestrator{
		con:        con,
		registry:   registry,
		dispatcher: dispatcher,
		bus:        bus,
		cfg:        cfg,
		sessionID:  sessionID,
		wakeup:     make(chan struct{}, 1),
		inflight:   make(map[string]context.CancelFunc),
		notBefore:  make(map[string]time.Time),
		lost:       make(map[string]struct{}),
		sem:        semaphore.NewWeighted(int64(cfg.MaxParallelTasks)),
		done:       make(chan struct{}),
	}
}

// Constellation returns the graph under execution.
func (o *Orchestrator) Constellation() *constellation.TaskConstellation { return o.con }

func (o *Orchestrator) publish(t events.Type, p events.TaskPayload) {
	if o.bus != nil {
		p.ConstellationID = o.con.ID()
		o.bus.Publish(t, "orchestrator", p)
	}
}

// Wake fires the scheduling loop's wakeup signal. Safe from any goroutine;
// coalesces when a wakeup is already pending.
func (o *Orchestrator) Wake() {
	select {
	case o.wakeup <- struct{}{}:
	default:
	}
}

// Start launches the scheduling loop. The loop runs until Stop or ctx
// cancellation; it is quiescent between wakeups and never busy-spins.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runCtx, o.runCancel = context.WithCancel(ctx)
	o.con.SetState(constellation.StateExecuting)

	go func() {
		defer close(o.done)
		o.loop()
	}()
	if o.bus != nil {
		o.devSub = o.bus.Subscribe("orchestrator-" + o.con.ID())
		o.watcher.Add(1)
		go o.watchDevices()
	}
	o.Wake()
}

// watchDevices wakes the scheduling loop whenever a device becomes able to
// take work: a registration, or a status change back to IDLE (heartbeat
// recovery, release after a task). Without it a pending task whose device
// comes back mid-run would sit until the round wall clock.
func (o *Orchestrator) watchDevices() {
	defer o.watcher.Done()
	for {
		select {
		case <-o.runCtx.Done():
			return
		case e, ok := <-o.devSub.C():
			if !ok {
				return
			}
			switch e.Type {
			case events.DeviceRegistered:
				o.Wake()
			case events.DeviceStatusChanged:
				if p, ok := e.Payload.(events.DevicePayload); ok && p.Status == string(device.StatusIdle) {
					o.Wake()
				}
			}
		}
	}
}

func (o *Orchestrator) loop() {
	var retryTimer *time.Timer
	var retryC <-chan time.Time
	stopTimer := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer, retryC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-o.runCtx.Done():
			return
		case <-o.wakeup:
		case <-retryC:
			retryTimer, retryC = nil, nil
		}

		next := o.schedule()
		stopTimer()
		if !next.IsZero() {
			// Sleep until the earliest backed-off task is due.
			retryTimer = time.NewTimer(time.Until(next))
			retryC = retryTimer.C
		}
	}
}

// schedule dispatches every executable task whose backoff has elapsed and
// returns the earliest time a deferred task becomes due.
func (o *Orchestrator) schedule() (nextDue time.Time) {
	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		return time.Time{}
	}
	o.mu.Unlock()

	now := time.Now()
	for _, task := range o.con.ExecutableTasks() {
		o.mu.Lock()
		due, deferred := o.notBefore[task.TaskID]
		_, running := o.inflight[task.TaskID]
		o.mu.Unlock()
		if running {
			continue
		}
		if deferred && due.After(now) {
			if nextDue.IsZero() || due.Before(nextDue) {
				nextDue = due
			}
			continue
		}

		if err := o.con.MarkReady(task.TaskID); err == nil {
			o.publish(events.TaskReady, events.TaskPayload{TaskID: task.TaskID})
		}

		// Atomic assignment: readiness and device idleness are re-checked
		// under the constellation write lock, and the device is claimed
		// while that lock is held, so no concurrent edit or dispatch can
		// double-start the task.
		err := o.con.TryStart(task.TaskID, func(deviceID string) bool {
			return o.registry.Acquire(deviceID, task.TaskID)
		})
		if err != nil {
			// Device busy or gone; the task stays pending and a device
			// event will wake us again.
			continue
		}

		o.mu.Lock()
		delete(o.notBefore, task.TaskID)
		execCtx, cancel := context.WithCancel(o.runCtx)
		o.inflight[task.TaskID] = cancel
		o.mu.Unlock()

		o.publish(events.TaskAssigned, events.TaskPayload{TaskID: task.TaskID, DeviceID: task.TargetDeviceID})

		o.executors.Add(1)
		go func(taskID, deviceID string) {
			defer o.executors.Done()
			if err := o.sem.Acquire(execCtx, 1); err != nil {
				o.finishExecutor(taskID)
				o.settleCancelled(taskID, deviceID)
				return
			}
			defer o.sem.Release(1)
			o.execute(execCtx, taskID, deviceID)
			o.finishExecutor(taskID)
		}(task.TaskID, task.TargetDeviceID)
	}
	return nextDue
}

func (o *Orchestrator) finishExecutor(taskID string) {
	o.mu.Lock()
	if cancel, ok := o.inflight[taskID]; ok {
		cancel()
		delete(o.inflight, taskID)
	}
	o.mu.Unlock()
	o.Wake()
}

// HandleLostTask is the transport/monitor callback for tasks orphaned by a
// dead device. The task is flagged lost so its executor settles it as a
// transport failure rather than a cancellation.
func (o *Orchestrator) HandleLostTask(deviceID, taskID string) {
	o.mu.Lock()
	cancel, ok := o.inflight[taskID]
	if ok {
		o.lost[taskID] = struct{}{}
	}
	o.mu.Unlock()
	if ok {
		cancel()
		return
	}
	// Not in flight here (already settled); nothing to do.
	slog.Debug("orchestrator: lost task already settled", "task_id", taskID, "device_id", deviceID)
}

// Quiescent reports whether nothing is running and nothing can be
// dispatched right now. An executable task whose target device cannot take
// work does not block quiescence: only the planner can unstick it, so the
// round driver must get its turn.
func (o *Orchestrator) Quiescent() bool {
	o.mu.Lock()
	inflight := len(o.inflight)
	o.mu.Unlock()
	if inflight > 0 || o.con.HasRunning() {
		return false
	}
	// Deferred retries on live devices also keep the graph non-quiescent; the
	// round driver waits for their backoff to elapse and the dispatch to
	// settle.
	for _, task := range o.con.ExecutableTasks() {
		d, ok := o.registry.Get(task.TargetDeviceID)
		if ok && (d.Status.Available() || d.Status == device.StatusBusy) {
			return false
		}
	}
	return true
}

// WaitQuiescent blocks until the constellation has been still for the
// configured settle window, or ctx expires.
func (o *Orchestrator) WaitQuiescent(ctx context.Context) error {
	settle := o.cfg.QuiescenceWindow
	poll := settle / 4
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	var quietSince time.Time
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !o.Quiescent() {
				quietSince = time.Time{}
				continue
			}
			if quietSince.IsZero() {
				quietSince = time.Now()
				continue
			}
			if time.Since(quietSince) >= settle {
				return nil
			}
		}
	}
}

// Finalize skips permanently blocked tasks and moves the constellation to
// its terminal state: FAILED when any task failed, COMPLETED otherwise.
// Call only at a quiescent point.
func (o *Orchestrator) Finalize() constellation.State {
	for _, id := range o.con.SkipBlocked() {
		o.publish(events.TaskCancelled, events.TaskPayload{TaskID: id, Status: string(constellation.TaskStatusSkipped)})
	}
	counts := o.con.StatusCounts()
	state := constellation.StateCompleted
	eventType := events.ConstellationCompleted
	if counts[constellation.TaskStatusFailed] > 0 {
		state = constellation.StateFailed
		eventType = events.ConstellationFailed
	}
	o.con.SetState(state)
	if o.bus != nil {
		o.bus.Publish(eventType, "orchestrator", events.TaskPayload{ConstellationID: o.con.ID()})
	}
	slog.Info("orchestrator: constellation finalized",
		"session_id", o.sessionID,
		"constellation_id", o.con.ID(),
		"state", state,
		"status_counts", counts)
	return state
}

// Cancel cooperatively aborts the run: every in-flight executor is
// cancelled, busy devices get a best-effort abort, and after the grace
// period stragglers are forced to CANCELLED with their devices quarantined.
func (o *Orchestrator) Cancel(reason string) {
	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		return
	}
	o.cancelled = true
	cancels := make([]context.CancelFunc, 0, len(o.inflight))
	for _, cancel := range o.inflight {
		cancels = append(cancels, cancel)
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	finished := make(chan struct{})
	go func() {
		o.executors.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(o.cfg.CancelGrace):
		slog.Warn("orchestrator: cancel grace expired with executors still busy")
	}

	// Force any straggler to a terminal state and quarantine its device.
	for _, task := range o.con.Tasks() {
		if task.Status == constellation.TaskStatusRunning {
			_ = o.con.CancelTask(task.TaskID, reason)
			o.publish(events.TaskCancelled, events.TaskPayload{TaskID: task.TaskID, DeviceID: task.TargetDeviceID})
			if task.TargetDeviceID != "" {
				o.registry.Quarantine(task.TargetDeviceID, "cancelled while busy")
			}
		}
	}

	o.con.SetState(constellation.StateCancelled)
	if o.bus != nil {
		o.bus.Publish(events.ConstellationCancelled, "orchestrator", events.TaskPayload{ConstellationID: o.con.ID()})
	}
}

// Stop halts the scheduling loop and waits for executors to settle.
func (o *Orchestrator) Stop() {
	if o.runCancel != nil {
		o.runCancel()
	}
	<-o.done
	if o.devSub != nil {
		o.bus.Unsubscribe(o.devSub)
	}
	o.watcher.Wait()
	o.executors.Wait()
}
