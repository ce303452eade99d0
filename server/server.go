// Package server exposes the coordinator's HTTP surface: the device
// websocket endpoint, Prometheus metrics, health, and a small read-only
// API over the registry and session history.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/internal/profile"
	"github.com/hrygo/galaxy/store"
	"github.com/hrygo/galaxy/transport"
)

type Server struct {
	e       *echo.Echo
	profile *profile.Profile

	registry *device.Registry
	hub      *transport.Hub
	store    *store.Store
}

// NewServer wires the HTTP routes. promReg is the registry the metrics
// observer registered its collectors on; st may be nil when the server runs
// without persistence.
func NewServer(p *profile.Profile, registry *device.Registry, hub *transport.Hub, promReg *prometheus.Registry, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		Skipper: func(c echo.Context) bool {
			// Health probes and scrapes are too chatty to log.
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("server: request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			)
			return nil
		},
	}))

	s := &Server{
		e:        e,
		profile:  p,
		registry: registry,
		hub:      hub,
		store:    st,
	}

	e.GET("/healthz", s.healthz)
	e.GET("/ws", echo.WrapHandler(hub.HTTPHandler()))
	if promReg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1")
	api.GET("/devices", s.listDevices)
	api.GET("/sessions", s.listSessions)

	return s
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"mode":    s.profile.Mode,
		"version": s.profile.Version,
	})
}

func (s *Server) listDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"devices": s.registry.List(),
	})
}

func (s *Server) listSessions(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "session persistence is disabled")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	rows, err := s.store.ListSessions(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": rows,
	})
}

// Start begins serving in the background. Errors other than a clean shutdown
// are logged, not returned; callers watch ctx for lifecycle.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("server: listener stopped", "addr", addr, "error", err)
		}
	}()
}

// Shutdown drains HTTP connections and closes the device hub.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(ctx); err != nil {
		slog.Error("server: shutdown failed", "error", err)
	}
	s.hub.Close()
	slog.Info("server: stopped")
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }
