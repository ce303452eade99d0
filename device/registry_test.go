package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/galaxy/events"
)

func register(t *testing.T, r *Registry, id string, caps ...string) {
	t.Helper()
	_, err := r.Register(RegistrationInfo{DeviceID: id, OS: "linux", Capabilities: caps}, 3)
	require.NoError(t, err)
}

func TestRegistry_RegisterAndReplace(t *testing.T) {
	r := NewRegistry(nil)
	register(t, r, "dev-a", "data")

	d, ok := r.Get("dev-a")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, d.Status)
	assert.True(t, d.HasCapability("data"))

	replaced, err := r.Register(RegistrationInfo{DeviceID: "dev-a", OS: "macos"}, 3)
	require.NoError(t, err)
	assert.True(t, replaced, "re-registration replaces the stale record")

	d, _ = r.Get("dev-a")
	assert.Equal(t, "macos", d.OS)

	_, err = r.Register(RegistrationInfo{}, 3)
	assert.Error(t, err, "empty device_id is rejected")
}

func TestRegistry_AcquireIsExclusive(t *testing.T) {
	r := NewRegistry(nil)
	register(t, r, "dev-a")

	require.True(t, r.Acquire("dev-a", "t1"))
	assert.False(t, r.Acquire("dev-a", "t2"), "busy device cannot be claimed twice")

	d, _ := r.Get("dev-a")
	assert.Equal(t, StatusBusy, d.Status)
	assert.Equal(t, "t1", d.CurrentTaskID)

	r.Release("dev-a", StatusIdle)
	assert.True(t, r.Acquire("dev-a", "t2"))

	assert.False(t, r.Acquire("ghost", "t3"), "unknown device cannot be claimed")
}

func TestRegistry_HeartbeatRecoversFailedDevice(t *testing.T) {
	r := NewRegistry(nil)
	register(t, r, "dev-a")

	r.Release("dev-a", StatusFailed)
	d, _ := r.Get("dev-a")
	require.Equal(t, StatusFailed, d.Status)

	r.Heartbeat("dev-a", time.Now())
	d, _ = r.Get("dev-a")
	assert.Equal(t, StatusIdle, d.Status)
}

func TestRegistry_SweepStale(t *testing.T) {
	r := NewRegistry(nil)
	base := time.Now()
	r.SetClock(func() time.Time { return base })
	register(t, r, "dev-a")
	register(t, r, "dev-b")

	require.True(t, r.Acquire("dev-a", "t1"))

	// dev-b heartbeats just now; dev-a goes silent.
	r.SetClock(func() time.Time { return base.Add(30 * time.Second) })
	r.Heartbeat("dev-b", base.Add(29*time.Second))

	lost := r.SweepStale(10 * time.Second)
	require.Len(t, lost, 1)
	assert.Equal(t, "dev-a", lost[0].DeviceID)
	assert.Equal(t, "t1", lost[0].TaskID, "the running task is reported for cancellation")

	d, _ := r.Get("dev-a")
	assert.Equal(t, StatusDisconnected, d.Status)
	d, _ = r.Get("dev-b")
	assert.Equal(t, StatusIdle, d.Status)

	// A disconnected device is not swept again.
	assert.Empty(t, r.SweepStale(10 * time.Second))
}

func TestRegistry_PublishesEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test")

	r := NewRegistry(bus)
	register(t, r, "dev-a")
	r.MarkDisconnected("dev-a", "test")

	var types []events.Type
	deadline := time.After(time.Second)
	for len(types) < 2 {
		select {
		case e := <-sub.C():
			types = append(types, e.Type)
		case <-deadline:
			t.Fatalf("timed out, got %v", types)
		}
	}
	assert.Equal(t, []events.Type{events.DeviceRegistered, events.DeviceDisconnected}, types)
}

func TestMonitor_ReportsLostTasks(t *testing.T) {
	r := NewRegistry(nil)
	base := time.Now()
	r.SetClock(func() time.Time { return base })
	register(t, r, "dev-a")
	require.True(t, r.Acquire("dev-a", "t1"))

	lostCh := make(chan string, 1)
	m := NewMonitor(r, 5*time.Millisecond, 10*time.Second, func(deviceID, taskID string) {
		lostCh <- deviceID + "/" + taskID
	})
	m.Start(context.Background())
	defer m.Stop()

	// Jump the clock past the grace window.
	r.SetClock(func() time.Time { return base.Add(time.Minute) })

	select {
	case got := <-lostCh:
		assert.Equal(t, "dev-a/t1", got)
	case <-time.After(time.Second):
		t.Fatal("monitor never reported the lost task")
	}
}
