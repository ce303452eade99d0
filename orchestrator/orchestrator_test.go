package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hrygo/galaxy/constellation"
	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
	"github.com/hrygo/galaxy/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedFleet answers dispatches from per-task reply queues, standing in
// for the websocket hub.
type scriptedFleet struct {
	mu      sync.Mutex
	scripts map[string][]fleetStep
	calls   map[string]int
	aborted map[string]int
	// entered is closed/sent on dispatch entry when set; used to observe
	// concurrency and in-flight states.
	entered chan string
	// hold blocks every dispatch until closed when set.
	hold chan struct{}
}

type fleetStep struct {
	reply *transport.TaskReplyFrame
	err   error
}

func newScriptedFleet() *scriptedFleet {
	return &scriptedFleet{
		scripts: make(map[string][]fleetStep),
		calls:   make(map[string]int),
		aborted: make(map[string]int),
	}
}

func (f *scriptedFleet) complete(taskID, result string) {
	f.script(taskID, fleetStep{reply: &transport.TaskReplyFrame{
		Type: transport.FrameTaskReply, TaskID: taskID,
		Status: transport.ReplyCompleted, Result: result,
	}})
}

func (f *scriptedFleet) fail(taskID, errMsg string) {
	f.script(taskID, fleetStep{reply: &transport.TaskReplyFrame{
		Type: transport.FrameTaskReply, TaskID: taskID,
		Status: transport.ReplyFailed, Error: errMsg,
	}})
}

func (f *scriptedFleet) transportError(taskID string) {
	f.script(taskID, fleetStep{err: &transport.Error{
		Kind: transport.KindTransport, TaskID: taskID, Detail: "connection reset",
	}})
}

func (f *scriptedFleet) script(taskID string, step fleetStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[taskID] = append(f.scripts[taskID], step)
}

func (f *scriptedFleet) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

func (f *scriptedFleet) Dispatch(ctx context.Context, deviceID string, req *transport.TaskRequestFrame) (*transport.TaskReplyFrame, error) {
	f.mu.Lock()
	f.calls[req.TaskID]++
	var step fleetStep
	if q := f.scripts[req.TaskID]; len(q) > 0 {
		step = q[0]
		f.scripts[req.TaskID] = q[1:]
	} else {
		step = fleetStep{err: &transport.Error{Kind: transport.KindTransport, TaskID: req.TaskID, Detail: "unscripted"}}
	}
	entered, hold := f.entered, f.hold
	f.mu.Unlock()

	if entered != nil {
		entered <- req.TaskID
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, &transport.Error{Kind: transport.KindCancelled, TaskID: req.TaskID}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &transport.Error{Kind: transport.KindCancelled, TaskID: req.TaskID}
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.reply, nil
}

func (f *scriptedFleet) Abort(deviceID, taskID string) {
	f.mu.Lock()
	f.aborted[taskID]++
	f.mu.Unlock()
}

type harness struct {
	bus      *events.Bus
	registry *device.Registry
	con      *constellation.TaskConstellation
	fleet    *scriptedFleet
	orc      *Orchestrator
}

func newHarness(t *testing.T, deviceIDs []string, opts ...Option) *harness {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	registry := device.NewRegistry(bus)
	for _, id := range deviceIDs {
		_, err := registry.Register(device.RegistrationInfo{DeviceID: id, OS: "linux"}, 3)
		require.NoError(t, err)
	}

	con := constellation.New("test run")
	con.SetDeviceValidator(registry.Exists)

	fleet := newScriptedFleet()
	opts = append([]Option{
		WithTaskTimeout(2 * time.Second),
		WithBackoff(5*time.Millisecond, 40*time.Millisecond),
		WithQuiescenceWindow(40 * time.Millisecond),
	}, opts...)
	orc := New(con, registry, fleet, bus, "sess-test", opts...)
	return &harness{bus: bus, registry: registry, con: con, fleet: fleet, orc: orc}
}

func (h *harness) addTask(t *testing.T, id, deviceID string, maxRetries int) {
	t.Helper()
	_, err := h.con.AddTask(constellation.TaskSpec{
		TaskID:         id,
		Description:    "do " + id,
		TargetDeviceID: deviceID,
		MaxRetries:     maxRetries,
	})
	require.NoError(t, err)
}

func (h *harness) link(t *testing.T, from, to string) {
	t.Helper()
	_, err := h.con.AddDependency("dep-"+from+"-"+to, from, to, constellation.DependencyUnconditional, "")
	require.NoError(t, err)
}

// run starts the orchestrator, waits for quiescence, finalizes, and stops.
func (h *harness) run(t *testing.T) constellation.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)
	require.NoError(t, h.orc.WaitQuiescent(ctx))
	state := h.orc.Finalize()
	h.orc.Stop()
	return state
}

func status(t *testing.T, con *constellation.TaskConstellation, id string) constellation.TaskStatus {
	t.Helper()
	task, ok := con.Task(id)
	require.True(t, ok, "task %s", id)
	return task.Status
}

func TestLinearPipelineCompletes(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "a", "dev-1", 0)
	h.addTask(t, "b", "dev-1", 0)
	h.addTask(t, "c", "dev-1", 0)
	h.link(t, "a", "b")
	h.link(t, "b", "c")
	h.fleet.complete("a", "result-a")
	h.fleet.complete("b", "result-b")
	h.fleet.complete("c", "result-c")

	state := h.run(t)

	assert.Equal(t, constellation.StateCompleted, state)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, constellation.TaskStatusCompleted, status(t, h.con, id))
		assert.Equal(t, 1, h.fleet.callCount(id))
	}
	task, _ := h.con.Task("c")
	assert.Equal(t, "result-c", task.Result)
	assert.Greater(t, task.EndedAt, task.StartedAt)

	dev, _ := h.registry.Get("dev-1")
	assert.Equal(t, device.StatusIdle, dev.Status)
}

func TestParentResultsFlowDownstream(t *testing.T) {
	h := newHarness(t, []string{"dev-1", "dev-2"})
	h.addTask(t, "fetch", "dev-1", 0)
	h.addTask(t, "render", "dev-2", 0)
	h.link(t, "fetch", "render")
	h.fleet.complete("fetch", "42 items")
	h.fleet.complete("render", "done")

	var mu sync.Mutex
	var gotCtx map[string]string
	h.orc.dispatcher = &recordingDispatcher{inner: h.fleet, record: func(req *transport.TaskRequestFrame) {
		if req.TaskID == "render" {
			mu.Lock()
			gotCtx = req.Context
			mu.Unlock()
		}
	}}

	state := h.run(t)

	assert.Equal(t, constellation.StateCompleted, state)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{"fetch": "42 items"}, gotCtx)
}

type recordingDispatcher struct {
	inner  Dispatcher
	record func(*transport.TaskRequestFrame)
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, deviceID string, req *transport.TaskRequestFrame) (*transport.TaskReplyFrame, error) {
	r.record(req)
	return r.inner.Dispatch(ctx, deviceID, req)
}

func (r *recordingDispatcher) Abort(deviceID, taskID string) { r.inner.Abort(deviceID, taskID) }

func TestIndependentTasksRunConcurrently(t *testing.T) {
	h := newHarness(t, []string{"dev-1", "dev-2"})
	h.addTask(t, "left", "dev-1", 0)
	h.addTask(t, "right", "dev-2", 0)
	h.fleet.complete("left", "ok")
	h.fleet.complete("right", "ok")

	entered := make(chan string, 2)
	hold := make(chan struct{})
	h.fleet.entered = entered
	h.fleet.hold = hold

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)

	// Both dispatches must be in flight at the same time before either
	// reply is released.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-entered:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not run concurrently")
		}
	}
	assert.True(t, seen["left"] && seen["right"])
	close(hold)

	require.NoError(t, h.orc.WaitQuiescent(ctx))
	assert.Equal(t, constellation.StateCompleted, h.orc.Finalize())
	h.orc.Stop()
}

func TestBusyDeviceSerializesTasks(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "first", "dev-1", 0)
	h.addTask(t, "second", "dev-1", 0)
	h.fleet.complete("first", "ok")
	h.fleet.complete("second", "ok")

	entered := make(chan string, 2)
	hold := make(chan struct{})
	h.fleet.entered = entered
	h.fleet.hold = hold

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)

	first := <-entered
	// While the device is busy the other task must stay off the wire.
	select {
	case id := <-entered:
		t.Fatalf("task %s dispatched while device busy with %s", id, first)
	case <-time.After(100 * time.Millisecond):
	}
	counts := h.con.StatusCounts()
	assert.Equal(t, 1, counts[constellation.TaskStatusRunning])
	assert.Equal(t, 1, counts[constellation.TaskStatusPending])

	close(hold)
	<-entered

	require.NoError(t, h.orc.WaitQuiescent(ctx))
	assert.Equal(t, constellation.StateCompleted, h.orc.Finalize())
	h.orc.Stop()
	assert.Equal(t, 1, h.fleet.callCount("first"))
	assert.Equal(t, 1, h.fleet.callCount("second"))
}

func TestTransportFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "flaky", "dev-1", 3)
	h.fleet.transportError("flaky")
	h.fleet.transportError("flaky")
	h.fleet.complete("flaky", "third time lucky")

	var retried atomic.Int32
	sub := h.bus.Subscribe("retry-counter")
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		for ev := range sub.C() {
			if ev.Type == events.TaskRetried {
				retried.Add(1)
			}
		}
	}()
	t.Cleanup(func() {
		h.bus.Unsubscribe(sub)
		<-subDone
	})

	// Transport failures mark the device DISCONNECTED; heartbeats bring it
	// back the way a live fleet would.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				h.registry.Heartbeat("dev-1", time.Time{})
			}
		}
	}()

	state := h.run(t)
	hbCancel()

	assert.Equal(t, constellation.StateCompleted, state)
	task, _ := h.con.Task("flaky")
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "third time lucky", task.Result)
	assert.Equal(t, 3, h.fleet.callCount("flaky"))
	assert.Eventually(t, func() bool { return retried.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestZeroMaxRetriesFailsImmediately(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "fragile", "dev-1", 0)
	h.fleet.transportError("fragile")

	state := h.run(t)

	assert.Equal(t, constellation.StateFailed, state)
	task, _ := h.con.Task("fragile")
	assert.Equal(t, constellation.TaskStatusFailed, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 1, h.fleet.callCount("fragile"))
}

func TestRetryBudgetExhaustionFails(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "doomed", "dev-1", 2)
	h.fleet.transportError("doomed")
	h.fleet.transportError("doomed")
	h.fleet.transportError("doomed")

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				h.registry.Heartbeat("dev-1", time.Time{})
			}
		}
	}()

	state := h.run(t)
	hbCancel()

	assert.Equal(t, constellation.StateFailed, state)
	task, _ := h.con.Task("doomed")
	assert.Equal(t, constellation.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Contains(t, task.Error, "transport failure")
	assert.Equal(t, 3, h.fleet.callCount("doomed"))
}

func TestDeviceReportedFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "broken", "dev-1", 3)
	h.addTask(t, "downstream", "dev-1", 0)
	h.link(t, "broken", "downstream")
	h.fleet.fail("broken", "element not found")

	state := h.run(t)

	assert.Equal(t, constellation.StateFailed, state)
	task, _ := h.con.Task("broken")
	assert.Equal(t, constellation.TaskStatusFailed, task.Status)
	assert.Equal(t, "element not found", task.Error)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 1, h.fleet.callCount("broken"))

	// Finalize skips the task the failure blocked.
	assert.Equal(t, constellation.TaskStatusSkipped, status(t, h.con, "downstream"))
	assert.Equal(t, 0, h.fleet.callCount("downstream"))

	// The device itself is healthy and stays in rotation.
	dev, _ := h.registry.Get("dev-1")
	assert.Equal(t, device.StatusIdle, dev.Status)
}

func TestCompletionOnlyEdgeRunsAfterFailure(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "probe", "dev-1", 0)
	h.addTask(t, "report", "dev-1", 0)
	_, err := h.con.AddDependency("dep-1", "probe", "report", constellation.DependencyCompletionOnly, "report regardless")
	require.NoError(t, err)
	h.fleet.fail("probe", "probe failed")
	h.fleet.complete("report", "reported the failure")

	state := h.run(t)

	assert.Equal(t, constellation.StateFailed, state)
	assert.Equal(t, constellation.TaskStatusFailed, status(t, h.con, "probe"))
	assert.Equal(t, constellation.TaskStatusCompleted, status(t, h.con, "report"))
}

func TestTimeoutFailsTaskAndQuarantinesDevice(t *testing.T) {
	h := newHarness(t, []string{"dev-1"}, WithTaskTimeout(50*time.Millisecond))
	h.addTask(t, "slow", "dev-1", 3)
	h.fleet.complete("slow", "never delivered")
	h.fleet.hold = make(chan struct{}) // never closed: reply never arrives

	state := h.run(t)

	assert.Equal(t, constellation.StateFailed, state)
	task, _ := h.con.Task("slow")
	assert.Equal(t, constellation.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "no reply within")
	// Timeouts are not retried; the device may still be working.
	assert.Equal(t, 1, h.fleet.callCount("slow"))

	dev, _ := h.registry.Get("dev-1")
	assert.Equal(t, device.StatusFailed, dev.Status)
	h.fleet.mu.Lock()
	aborts := h.fleet.aborted["slow"]
	h.fleet.mu.Unlock()
	assert.Equal(t, 1, aborts)
}

func TestLostDeviceFailsInFlightTask(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "stranded", "dev-1", 0)
	h.fleet.complete("stranded", "never delivered")
	entered := make(chan string, 1)
	h.fleet.entered = entered
	h.fleet.hold = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)
	<-entered

	// Heartbeat monitor notices the device is gone. With no retry budget the
	// orphaned task settles as a transport failure.
	taskID := h.registry.MarkDisconnected("dev-1", "heartbeat lapsed")
	require.Equal(t, "stranded", taskID)
	h.orc.HandleLostTask("dev-1", taskID)

	require.NoError(t, h.orc.WaitQuiescent(ctx))
	state := h.orc.Finalize()
	h.orc.Stop()

	assert.Equal(t, constellation.StateFailed, state)
	assert.Equal(t, constellation.TaskStatusFailed, status(t, h.con, "stranded"))
	task, ok := h.con.Task("stranded")
	require.True(t, ok)
	assert.Contains(t, task.Error, "connection lost")
	dev, _ := h.registry.Get("dev-1")
	assert.Equal(t, device.StatusDisconnected, dev.Status)
}

func TestCancelAbortsRun(t *testing.T) {
	h := newHarness(t, []string{"dev-1", "dev-2"})
	h.addTask(t, "running", "dev-1", 0)
	h.addTask(t, "queued", "dev-2", 0)
	h.link(t, "running", "queued")
	h.fleet.complete("running", "never delivered")
	entered := make(chan string, 1)
	h.fleet.entered = entered
	h.fleet.hold = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)
	<-entered

	h.orc.Cancel("user interrupt")
	h.orc.Stop()

	assert.Equal(t, constellation.StateCancelled, h.con.State())
	assert.Equal(t, constellation.TaskStatusCancelled, status(t, h.con, "running"))
	assert.Equal(t, constellation.TaskStatusPending, status(t, h.con, "queued"))
	assert.Equal(t, 0, h.fleet.callCount("queued"))
}

func TestParallelismBoundedByPool(t *testing.T) {
	h := newHarness(t, []string{"dev-1", "dev-2", "dev-3"}, WithMaxParallelTasks(2))
	for _, id := range []string{"t1", "t2", "t3"} {
		h.addTask(t, id, "dev-"+id[1:], 0)
		h.fleet.complete(id, "ok")
	}

	entered := make(chan string, 3)
	hold := make(chan struct{})
	h.fleet.entered = entered
	h.fleet.hold = hold

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)

	<-entered
	<-entered
	select {
	case id := <-entered:
		t.Fatalf("third task %s ran beyond the pool bound", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(hold)
	<-entered
	require.NoError(t, h.orc.WaitQuiescent(ctx))
	assert.Equal(t, constellation.StateCompleted, h.orc.Finalize())
	h.orc.Stop()
}

func TestTerminalTaskReportsSatisfiedEdges(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "a", "dev-1", 0)
	h.addTask(t, "b", "dev-1", 0)
	h.link(t, "a", "b")
	h.fleet.complete("a", "ok")
	h.fleet.complete("b", "ok")

	var mu sync.Mutex
	var satisfied []string
	sub := h.bus.Subscribe("edge-watch")
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		for ev := range sub.C() {
			if ev.Type != events.DependencySatisfied {
				continue
			}
			if p, ok := ev.Payload.(events.DependencyPayload); ok {
				mu.Lock()
				satisfied = append(satisfied, p.DependencyID)
				mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		h.bus.Unsubscribe(sub)
		<-subDone
	})

	state := h.run(t)

	assert.Equal(t, constellation.StateCompleted, state)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(satisfied) == 1 && satisfied[0] == "dep-a-b"
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatRecoveryWakesScheduler(t *testing.T) {
	h := newHarness(t, []string{"dev-1"})
	h.addTask(t, "stalled", "dev-1", 0)
	h.fleet.complete("stalled", "ok")
	h.registry.MarkDisconnected("dev-1", "link dropped")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)

	// The only device is down: nothing may dispatch.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, h.fleet.callCount("stalled"))

	// A heartbeat restores the device to IDLE; that alone must reach the
	// scheduler, with no other activity on the graph.
	h.registry.Heartbeat("dev-1", time.Time{})
	assert.Eventually(t, func() bool { return h.fleet.callCount("stalled") == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.orc.WaitQuiescent(ctx))
	assert.Equal(t, constellation.StateCompleted, h.orc.Finalize())
	h.orc.Stop()
	assert.Equal(t, constellation.TaskStatusCompleted, status(t, h.con, "stalled"))
}

func TestReRegistrationWakesScheduler(t *testing.T) {
	h := newHarness(t, []string{"dev-2"})
	h.addTask(t, "late", "dev-2", 0)
	h.fleet.complete("late", "ok")
	h.registry.MarkDisconnected("dev-2", "agent restart")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, h.fleet.callCount("late"))

	// The agent reconnects and registers afresh mid-run.
	_, err := h.registry.Register(device.RegistrationInfo{DeviceID: "dev-2", OS: "linux"}, 3)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.fleet.callCount("late") == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.orc.WaitQuiescent(ctx))
	assert.Equal(t, constellation.StateCompleted, h.orc.Finalize())
	h.orc.Stop()
	assert.Equal(t, constellation.TaskStatusCompleted, status(t, h.con, "late"))
}

func TestGraphEditWhileRunningSchedulesNewTask(t *testing.T) {
	h := newHarness(t, []string{"dev-1", "dev-2"})
	h.addTask(t, "base", "dev-1", 0)
	h.fleet.complete("base", "ok")
	h.fleet.complete("late", "ok")
	entered := make(chan string, 2)
	hold := make(chan struct{})
	h.fleet.entered = entered
	h.fleet.hold = hold

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.orc.Start(ctx)
	<-entered

	// Planner adds a task mid-flight; a wake is all it takes to pick it up.
	_, err := h.con.AddTask(constellation.TaskSpec{
		TaskID: "late", Description: "added mid-run", TargetDeviceID: "dev-2",
	})
	require.NoError(t, err)
	h.orc.Wake()
	<-entered

	close(hold)
	require.NoError(t, h.orc.WaitQuiescent(ctx))
	assert.Equal(t, constellation.StateCompleted, h.orc.Finalize())
	h.orc.Stop()
	assert.Equal(t, constellation.TaskStatusCompleted, status(t, h.con, "late"))
}
