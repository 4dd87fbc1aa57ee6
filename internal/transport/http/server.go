// Package http assembles the echo server that carries both the socket and REST routes.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/chatsync/internal/hub"
	"github.com/xiaot623/chatsync/internal/metrics"
	"github.com/xiaot623/chatsync/internal/service"
	v1 "github.com/xiaot623/chatsync/internal/transport/http/v1"
	"github.com/xiaot623/chatsync/internal/transport/ws"
)

// NewServer creates and configures the chatd HTTP server.
func NewServer(svc *service.Service, h *hub.Hub, wsServer *ws.Server, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, h, m)

	// Register Routes
	wsServer.RegisterRoutes(e)
	v1Handler.RegisterRoutes(e)

	return e
}
