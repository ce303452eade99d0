package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// DeviceEndpoint is one statically configured device the coordinator dials
// out to. After the socket is up the remote side still performs the normal
// register handshake.
type DeviceEndpoint struct {
	DeviceID     string            `json:"device_id"`
	ServerURL    string            `json:"server_url"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AutoConnect  bool              `json:"auto_connect"`
	MaxRetries   int               `json:"max_retries,omitempty"`
}

// Connector dials configured device endpoints and hands established
// connections to the hub. Dial attempts are paced so a flapping endpoint
// cannot hot-loop.
type Connector struct {
	hub     *Hub
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

// NewConnector creates a connector for the hub.
func NewConnector(hub *Hub) *Connector {
	return &Connector{
		hub:     hub,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
}

// Start dials every auto_connect endpoint in the background. Each endpoint
// gets MaxRetries attempts (3 when unset); a refused endpoint is logged and
// skipped, it can still register inbound later.
func (c *Connector) Start(ctx context.Context, endpoints []DeviceEndpoint) {
	for _, ep := range endpoints {
		if !ep.AutoConnect {
			continue
		}
		ep := ep
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dial(ctx, ep)
		}()
	}
}

func (c *Connector) dial(ctx context.Context, ep DeviceEndpoint) {
	retries := ep.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, ep.ServerURL, nil)
		if err == nil {
			slog.Info("connector: device endpoint connected", "device_id", ep.DeviceID, "url", ep.ServerURL)
			c.hub.wg.Add(1)
			go func() {
				defer c.hub.wg.Done()
				c.hub.ServeConn(ws)
			}()
			return
		}
		slog.Warn("connector: dial failed",
			"device_id", ep.DeviceID,
			"url", ep.ServerURL,
			"attempt", attempt+1,
			"error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	slog.Error("connector: giving up on endpoint", "device_id", ep.DeviceID, "url", ep.ServerURL)
}

// Wait blocks until all dial goroutines finish.
func (c *Connector) Wait() {
	c.wg.Wait()
}
