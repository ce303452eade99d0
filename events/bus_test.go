package events

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test")

	for i := 0; i < 10; i++ {
		bus.Publish(TaskStarted, "orchestrator", TaskPayload{TaskID: "t1"})
	}
	got := collect(sub, 10, time.Second)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq, "sequence numbers must be monotonic")
	}
}

func TestBus_SlowSubscriberDropsWithOverflowEvent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.SubscribeBuffered("slow", 1)
	watcher := bus.SubscribeBuffered("watcher", 64)

	// Never read from slow; its 1-slot queue overflows immediately.
	for i := 0; i < 5; i++ {
		bus.Publish(TaskStarted, "orchestrator", nil)
	}

	var sawOverflow bool
	for _, e := range collect(watcher, 6, time.Second) {
		if e.Type == SubscriberOverflow {
			p, ok := e.Payload.(OverflowPayload)
			require.True(t, ok)
			assert.Equal(t, "slow", p.Subscriber)
			sawOverflow = true
		}
	}
	assert.True(t, sawOverflow, "watcher must see the overflow event")
	assert.Positive(t, slow.Dropped())
}

func TestBus_CloseDrainsAndClosesSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("test")
	bus.Publish(SessionStarted, "session", nil)
	bus.Close()

	got := collect(sub, 2, time.Second)
	require.Len(t, got, 1)
	_, open := <-sub.C()
	assert.False(t, open, "channel must be closed after bus shutdown")

	// Publishing after close is a no-op, not a panic.
	bus.Publish(SessionEnded, "session", nil)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe("gone")
	bus.Unsubscribe(sub)
	bus.Publish(TaskStarted, "orchestrator", nil)
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestMetricsObserver_TaskTimings(t *testing.T) {
	bus := NewBus()
	m := NewMetricsObserver(bus, prometheus.NewRegistry())

	bus.Publish(TaskStarted, "orchestrator", TaskPayload{TaskID: "t1"})
	time.Sleep(10 * time.Millisecond)
	bus.Publish(TaskCompleted, "orchestrator", TaskPayload{TaskID: "t1", Result: "ok"})

	require.Eventually(t, func() bool {
		timing, ok := m.TaskTimings()["t1"]
		return ok && timing.End > 0
	}, time.Second, 5*time.Millisecond)

	timing := m.TaskTimings()["t1"]
	assert.Positive(t, timing.Start)
	assert.GreaterOrEqual(t, timing.End, timing.Start)
	assert.InDelta(t, timing.End-timing.Start, timing.Duration, 1e-9)

	bus.Close()
	m.Close()
}

func TestVisualizationObserver_EmitsOnTaskEvents(t *testing.T) {
	bus := NewBus()

	snapshots := make(chan []byte, 8)
	v := NewVisualizationObserver(bus,
		func() ([]byte, error) { return []byte(`{"tasks":[]}`), nil },
		func(b []byte, _ Event) { snapshots <- b })

	bus.Publish(TaskCompleted, "orchestrator", TaskPayload{TaskID: "t1"})
	bus.Publish(SessionStarted, "session", nil) // no snapshot for session events

	select {
	case b := <-snapshots:
		assert.JSONEq(t, `{"tasks":[]}`, string(b))
	case <-time.After(time.Second):
		t.Fatal("no snapshot emitted")
	}

	bus.Close()
	v.Close()
	assert.Empty(t, snapshots)
}
