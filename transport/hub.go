package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
)

// Config tunes the transport layer.
type Config struct {
	// MaxFrameBytes caps frame size in both directions.
	MaxFrameBytes int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// RegisterTimeout bounds the wait for the initial register frame.
	RegisterTimeout time.Duration
	// DeviceMaxRetries seeds the registry record for inbound devices.
	DeviceMaxRetries int
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:    1 << 20,
		WriteTimeout:     10 * time.Second,
		RegisterTimeout:  15 * time.Second,
		DeviceMaxRetries: 3,
	}
}

// Conn is one live device connection. Writes are serialized by a mutex;
// reads happen on the connection's single reader goroutine.
type Conn struct {
	// id tags log lines for one physical connection; a device that
	// re-registers gets a fresh one.
	id       string
	deviceID string
	ws       *websocket.Conn
	writeMu  sync.Mutex
	cfg      Config
	closed   chan struct{}
	once     sync.Once
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	ws.SetReadLimit(int64(cfg.MaxFrameBytes))
	return &Conn{id: uuid.NewString(), ws: ws, cfg: cfg, closed: make(chan struct{})}
}

// send marshals and writes one frame.
func (c *Conn) send(frame any) error {
	data, err := Encode(frame, c.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Kind: KindTransport, DeviceID: c.deviceID, Detail: err.Error()}
	}
	return nil
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Hub mediates request/response between the orchestrator and every connected
// device. It owns the device connections and the in-flight reply waiters.
type Hub struct {
	registry *device.Registry
	bus      *events.Bus
	cfg      Config

	mu      sync.Mutex
	conns   map[string]*Conn
	pending map[string]chan *TaskReplyFrame

	// onLost is invoked when a device connection dies while a task is
	// running on it. The orchestrator wires its transport-error path here.
	onLost device.LostTaskFunc

	wg sync.WaitGroup
}

// NewHub creates a hub bound to the registry and bus.
func NewHub(registry *device.Registry, bus *events.Bus, cfg Config) *Hub {
	if cfg.MaxFrameBytes == 0 {
		cfg = DefaultConfig()
	}
	return &Hub{
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		conns:    make(map[string]*Conn),
		pending:  make(map[string]chan *TaskReplyFrame),
	}
}

// OnTaskLost installs the orchestrator callback for tasks orphaned by a
// dropped connection. Must be set before devices connect.
func (h *Hub) OnTaskLost(fn device.LostTaskFunc) { h.onLost = fn }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Devices connect from arbitrary origins; transport security is assumed
	// at the network layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HTTPHandler upgrades inbound HTTP requests to device channels.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("hub: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.ServeConn(ws)
		}()
	})
}

// ServeConn performs the registration handshake and then pumps frames until
// the connection dies. Blocks for the connection's lifetime.
func (h *Hub) ServeConn(ws *websocket.Conn) {
	conn := newConn(ws, h.cfg)
	defer conn.close()

	reg, err := h.handshake(conn)
	if err != nil {
		slog.Warn("hub: registration failed", "error", err)
		_ = conn.send(&RegisterAckFrame{Type: FrameRegisterAck, OK: false, Reason: err.Error()})
		return
	}
	conn.deviceID = reg.DeviceID
	slog.Info("hub: device registered", "device_id", reg.DeviceID, "conn_id", conn.id)

	h.mu.Lock()
	if old, ok := h.conns[reg.DeviceID]; ok {
		// Re-registration replaces the stale connection.
		old.close()
	}
	h.conns[reg.DeviceID] = conn
	h.mu.Unlock()

	if _, err := h.registry.Register(reg.Info(), h.cfg.DeviceMaxRetries); err != nil {
		_ = conn.send(&RegisterAckFrame{Type: FrameRegisterAck, OK: false, Reason: err.Error()})
		return
	}
	if err := conn.send(&RegisterAckFrame{Type: FrameRegisterAck, OK: true}); err != nil {
		slog.Warn("hub: register ack failed", "device_id", reg.DeviceID, "error", err)
	}

	h.readLoop(conn)
	h.dropConn(conn, "connection closed")
}

func (h *Hub) handshake(conn *Conn) (*RegisterFrame, error) {
	if h.cfg.RegisterTimeout > 0 {
		_ = conn.ws.SetReadDeadline(time.Now().Add(h.cfg.RegisterTimeout))
		defer conn.ws.SetReadDeadline(time.Time{})
	}
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		return nil, &Error{Kind: KindTransport, Detail: err.Error()}
	}
	frame, err := Decode(data, h.cfg.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	reg, ok := frame.(*RegisterFrame)
	if !ok {
		return nil, &Error{Kind: KindMalformed, Detail: "first frame must be register"}
	}
	if reg.DeviceID == "" {
		return nil, &Error{Kind: KindMalformed, Detail: "register frame missing device_id"}
	}
	return reg, nil
}

func (h *Hub) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := Decode(data, h.cfg.MaxFrameBytes)
		if err != nil {
			slog.Warn("hub: bad frame", "device_id", conn.deviceID, "error", err)
			continue
		}
		if frame == nil {
			slog.Warn("hub: unknown frame type ignored", "device_id", conn.deviceID)
			continue
		}
		switch f := frame.(type) {
		case *HeartbeatFrame:
			at := time.Time{}
			if f.Timestamp > 0 {
				at = time.Unix(0, int64(f.Timestamp*1e9))
			}
			h.registry.Heartbeat(conn.deviceID, at)
		case *TaskReplyFrame:
			h.routeReply(conn.deviceID, f)
		case *EventFrame:
			if h.bus != nil {
				h.bus.Publish(events.DeviceEvent, conn.deviceID, events.DevicePayload{
					DeviceID: conn.deviceID,
					Data:     json.RawMessage(f.Data),
				})
			}
		default:
			slog.Warn("hub: unexpected frame from device", "device_id", conn.deviceID, "type", frameType(frame))
		}
	}
}

func frameType(frame any) string {
	switch frame.(type) {
	case *RegisterFrame:
		return FrameRegister
	case *RegisterAckFrame:
		return FrameRegisterAck
	case *TaskRequestFrame:
		return FrameTaskRequest
	case *TaskAbortFrame:
		return FrameTaskAbort
	}
	return "unknown"
}

func (h *Hub) routeReply(deviceID string, reply *TaskReplyFrame) {
	h.mu.Lock()
	waiter, ok := h.pending[reply.TaskID]
	if ok {
		delete(h.pending, reply.TaskID)
	}
	h.mu.Unlock()
	if !ok {
		slog.Warn("hub: reply with no waiter", "device_id", deviceID, "task_id", reply.TaskID)
		return
	}
	waiter <- reply
}

// dropConn cleans up after a dead connection unless it was already replaced
// by a fresh registration.
func (h *Hub) dropConn(conn *Conn, reason string) {
	h.mu.Lock()
	if h.conns[conn.deviceID] != conn {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.deviceID)
	h.mu.Unlock()

	taskID := h.registry.MarkDisconnected(conn.deviceID, reason)
	if taskID != "" && h.onLost != nil {
		h.onLost(conn.deviceID, taskID)
	}
}

// Dispatch sends a task request to its target device and blocks until a
// terminal reply arrives or ctx expires. The caller bounds execution time via
// ctx; context deadline maps to a timeout error, plain cancellation to
// cancelled.
func (h *Hub) Dispatch(ctx context.Context, deviceID string, req *TaskRequestFrame) (*TaskReplyFrame, error) {
	req.Type = FrameTaskRequest

	h.mu.Lock()
	conn, ok := h.conns[deviceID]
	if !ok {
		h.mu.Unlock()
		return nil, &Error{Kind: KindDeviceUnavailable, DeviceID: deviceID, TaskID: req.TaskID, Detail: "no live connection"}
	}
	waiter := make(chan *TaskReplyFrame, 1)
	h.pending[req.TaskID] = waiter
	h.mu.Unlock()

	cleanup := func() {
		h.mu.Lock()
		delete(h.pending, req.TaskID)
		h.mu.Unlock()
	}

	if err := conn.send(req); err != nil {
		cleanup()
		return nil, &Error{Kind: KindTransport, DeviceID: deviceID, TaskID: req.TaskID, Detail: err.Error()}
	}

	select {
	case reply := <-waiter:
		if !reply.Valid() {
			return nil, &Error{Kind: KindMalformed, DeviceID: deviceID, TaskID: req.TaskID, Detail: "invalid task_reply frame"}
		}
		return reply, nil
	case <-conn.closed:
		cleanup()
		return nil, &Error{Kind: KindTransport, DeviceID: deviceID, TaskID: req.TaskID, Detail: "connection lost"}
	case <-ctx.Done():
		cleanup()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, DeviceID: deviceID, TaskID: req.TaskID, Detail: "no reply before deadline"}
		}
		return nil, &Error{Kind: KindCancelled, DeviceID: deviceID, TaskID: req.TaskID, Detail: ctx.Err().Error()}
	}
}

// Abort asks a device to stop a task. Best effort: failures are logged only.
func (h *Hub) Abort(deviceID, taskID string) {
	h.mu.Lock()
	conn, ok := h.conns[deviceID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.send(&TaskAbortFrame{Type: FrameTaskAbort, TaskID: taskID}); err != nil {
		slog.Warn("hub: abort send failed", "device_id", deviceID, "task_id", taskID, "error", err)
	}
}

// Connected reports whether the device has a live connection.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[deviceID]
	return ok
}

// Close terminates every connection and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}
