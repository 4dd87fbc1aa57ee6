// Package v1 provides the REST endpoints clients use alongside the socket.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/chatsync/internal/metrics"
	"github.com/xiaot623/chatsync/internal/service"
)

// Presence reports live session counts for the health endpoint.
type Presence interface {
	GetConnectionCount() int
	GetOnlineCount() int
}

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	presence Presence
	metrics  *metrics.Metrics
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, presence Presence, m *metrics.Metrics) *Handler {
	return &Handler{
		service:  service,
		presence: presence,
		metrics:  m,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Message API
	e.GET("/v1/messages/unread", h.GetUnreadCounts)
	e.GET("/v1/messages/:user_id", h.GetConversation)
	e.POST("/v1/messages/send", h.SendMessage)
	e.PUT("/v1/messages/read/:user_id", h.MarkRead)
	e.DELETE("/v1/messages/clear/:user_id", h.ClearConversation)
	e.PUT("/v1/messages/:message_id", h.EditMessage)

	e.GET("/health", h.Health)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"connections":  h.presence.GetConnectionCount(),
		"online_users": h.presence.GetOnlineCount(),
	})
}
