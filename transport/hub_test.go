package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
)

// fakeDevice drives the device side of the protocol over a real websocket.
type fakeDevice struct {
	t    *testing.T
	ws   *websocket.Conn
	mu   sync.Mutex
	reqs chan *TaskRequestFrame
}

func dialDevice(t *testing.T, srv *httptest.Server, deviceID string, caps ...string) *fakeDevice {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	d := &fakeDevice{t: t, ws: ws, reqs: make(chan *TaskRequestFrame, 8)}

	d.send(&RegisterFrame{Type: FrameRegister, DeviceID: deviceID, OS: "linux", Capabilities: caps})
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var ack RegisterAckFrame
	require.NoError(t, json.Unmarshal(data, &ack))
	require.True(t, ack.OK, "registration must be acked: %s", ack.Reason)

	go d.readLoop()
	return d
}

func (d *fakeDevice) readLoop() {
	for {
		_, data, err := d.ws.ReadMessage()
		if err != nil {
			close(d.reqs)
			return
		}
		frame, err := Decode(data, 0)
		if err != nil {
			continue
		}
		if req, ok := frame.(*TaskRequestFrame); ok {
			d.reqs <- req
		}
	}
}

func (d *fakeDevice) send(frame any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := json.Marshal(frame)
	require.NoError(d.t, err)
	require.NoError(d.t, d.ws.WriteMessage(websocket.TextMessage, data))
}

func (d *fakeDevice) close() { _ = d.ws.Close() }

func newTestHub(t *testing.T) (*Hub, *device.Registry, *httptest.Server) {
	t.Helper()
	registry := device.NewRegistry(nil)
	hub := NewHub(registry, nil, DefaultConfig())
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, registry, srv
}

func TestHub_RegistrationHandshake(t *testing.T) {
	_, registry, srv := newTestHub(t)
	dev := dialDevice(t, srv, "dev-a", "data")
	defer dev.close()

	require.Eventually(t, func() bool {
		d, ok := registry.Get("dev-a")
		return ok && d.Status == device.StatusIdle
	}, time.Second, 5*time.Millisecond)

	d, _ := registry.Get("dev-a")
	assert.Equal(t, []string{"data"}, d.Capabilities)
}

func TestHub_RejectsNonRegisterFirstFrame(t *testing.T) {
	_, _, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","timestamp":1}`)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var ack RegisterAckFrame
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.False(t, ack.OK)
}

func TestHub_DispatchRoundTrip(t *testing.T) {
	hub, _, srv := newTestHub(t)
	dev := dialDevice(t, srv, "dev-a")
	defer dev.close()

	require.Eventually(t, func() bool { return hub.Connected("dev-a") }, time.Second, 5*time.Millisecond)

	go func() {
		req := <-dev.reqs
		dev.send(&TaskReplyFrame{Type: FrameTaskReply, TaskID: req.TaskID, Status: ReplyCompleted, Result: "done", Duration: 0.5})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := hub.Dispatch(ctx, "dev-a", &TaskRequestFrame{
		SessionID: "s1", ConstellationID: "c1", TaskID: "t1", Description: "do it",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Result)
	assert.Equal(t, ReplyCompleted, reply.Status)
}

func TestHub_DispatchTimeout(t *testing.T) {
	hub, _, srv := newTestHub(t)
	dev := dialDevice(t, srv, "dev-a")
	defer dev.close()
	require.Eventually(t, func() bool { return hub.Connected("dev-a") }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := hub.Dispatch(ctx, "dev-a", &TaskRequestFrame{TaskID: "t1", Description: "never answered"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestHub_DispatchToUnknownDevice(t *testing.T) {
	hub, _, _ := newTestHub(t)
	_, err := hub.Dispatch(context.Background(), "ghost", &TaskRequestFrame{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, KindDeviceUnavailable, KindOf(err))
}

func TestHub_MalformedReply(t *testing.T) {
	hub, _, srv := newTestHub(t)
	dev := dialDevice(t, srv, "dev-a")
	defer dev.close()
	require.Eventually(t, func() bool { return hub.Connected("dev-a") }, time.Second, 5*time.Millisecond)

	go func() {
		req := <-dev.reqs
		dev.send(&TaskReplyFrame{Type: FrameTaskReply, TaskID: req.TaskID, Status: "sideways"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := hub.Dispatch(ctx, "dev-a", &TaskRequestFrame{TaskID: "t1", Description: "x"})
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
}

func TestHub_ConnectionLossFailsInflightDispatch(t *testing.T) {
	hub, registry, srv := newTestHub(t)

	lostCh := make(chan string, 1)
	hub.OnTaskLost(func(deviceID, taskID string) { lostCh <- taskID })

	dev := dialDevice(t, srv, "dev-a")
	require.Eventually(t, func() bool { return hub.Connected("dev-a") }, time.Second, 5*time.Millisecond)
	require.True(t, registry.Acquire("dev-a", "t1"))

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := hub.Dispatch(ctx, "dev-a", &TaskRequestFrame{TaskID: "t1", Description: "x"})
		errCh <- err
	}()

	// Let the request reach the device, then kill the connection.
	<-dev.reqs
	dev.close()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))

	select {
	case taskID := <-lostCh:
		assert.Equal(t, "t1", taskID)
	case <-time.After(time.Second):
		t.Fatal("lost-task callback never fired")
	}
	require.Eventually(t, func() bool {
		d, _ := registry.Get("dev-a")
		return d.Status == device.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestHub_ReRegistrationReplacesConnection(t *testing.T) {
	hub, _, srv := newTestHub(t)
	first := dialDevice(t, srv, "dev-a")
	require.Eventually(t, func() bool { return hub.Connected("dev-a") }, time.Second, 5*time.Millisecond)

	second := dialDevice(t, srv, "dev-a")
	defer second.close()

	// The first connection is closed by the hub; its read loop ends.
	require.Eventually(t, func() bool {
		select {
		case _, open := <-first.reqs:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.True(t, hub.Connected("dev-a"))
}

func TestHub_EventFramePassthrough(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test")

	registry := device.NewRegistry(nil)
	hub := NewHub(registry, bus, DefaultConfig())
	srv := httptest.NewServer(hub.HTTPHandler())
	defer func() { hub.Close(); srv.Close() }()

	dev := dialDevice(t, srv, "dev-a")
	defer dev.close()
	require.Eventually(t, func() bool { return hub.Connected("dev-a") }, time.Second, 5*time.Millisecond)

	dev.send(&EventFrame{Type: FrameEvent, Data: json.RawMessage(`{"screen":"unlocked"}`)})

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-sub.C():
			if e.Type == events.DeviceEvent {
				p := e.Payload.(events.DevicePayload)
				assert.Equal(t, "dev-a", p.DeviceID)
				return
			}
		case <-deadline:
			t.Fatal("device event never reached the bus")
		}
	}
}

func TestHub_AbortBestEffort(t *testing.T) {
	hub, _, srv := newTestHub(t)
	dev := dialDevice(t, srv, "dev-a")
	defer dev.close()
	require.Eventually(t, func() bool { return hub.Connected("dev-a") }, time.Second, 5*time.Millisecond)

	// Abort on an unknown device is a silent no-op.
	hub.Abort("ghost", "t9")
	hub.Abort("dev-a", "t1")
}
