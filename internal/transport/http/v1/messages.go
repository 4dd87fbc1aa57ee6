package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/xiaot623/chatsync/internal/domain"
	"github.com/xiaot623/chatsync/internal/protocol"
	"github.com/xiaot623/chatsync/internal/service"
)

// GetUnreadCounts returns the caller's unread snapshot.
// GET /v1/messages/unread
func (h *Handler) GetUnreadCounts(c echo.Context) error {
	userID := callerID(c)
	if userID == "" {
		return missingCaller(c)
	}

	unread, err := h.service.UnreadMessages(c.Request().Context(), userID)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"unread_counts": lo.MapValues(unread, func(ids []string, _ string) int { return len(ids) }),
		"unread_ids":    unread,
	})
}

// GetConversation returns the full log between the caller and a counterparty.
// GET /v1/messages/:user_id
func (h *Handler) GetConversation(c echo.Context) error {
	userID := callerID(c)
	if userID == "" {
		return missingCaller(c)
	}

	messages, err := h.service.GetConversation(c.Request().Context(), userID, c.Param("user_id"))
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// SendMessage is the fallback send path when the socket is down.
// POST /v1/messages/send
func (h *Handler) SendMessage(c echo.Context) error {
	userID := callerID(c)
	if userID == "" {
		return missingCaller(c)
	}

	var req service.SendRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, protocol.ErrorCodeInvalidMessage, "invalid request body")
	}
	req.From = userID

	msg, err := h.service.SendMessage(c.Request().Context(), req)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": msg,
	})
}

// MarkRead marks everything the counterparty sent to the caller as read.
// PUT /v1/messages/read/:user_id
func (h *Handler) MarkRead(c echo.Context) error {
	userID := callerID(c)
	if userID == "" {
		return missingCaller(c)
	}

	changed, err := h.service.MarkConversationRead(c.Request().Context(), userID, c.Param("user_id"))
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message_ids": lo.Map(changed, func(m domain.Message, _ int) string { return m.ID }),
	})
}

// ClearConversation prunes the conversation for the caller only.
// DELETE /v1/messages/clear/:user_id
func (h *Handler) ClearConversation(c echo.Context) error {
	userID := callerID(c)
	if userID == "" {
		return missingCaller(c)
	}

	if err := h.service.ClearConversation(c.Request().Context(), userID, c.Param("user_id")); err != nil {
		return serviceError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// EditMessage replaces the content of the caller's own message.
// PUT /v1/messages/:message_id
func (h *Handler) EditMessage(c echo.Context) error {
	userID := callerID(c)
	if userID == "" {
		return missingCaller(c)
	}

	var req service.EditRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, protocol.ErrorCodeInvalidMessage, "invalid request body")
	}

	msg, err := h.service.EditMessage(c.Request().Context(), userID, c.Param("message_id"), req)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": msg,
	})
}
