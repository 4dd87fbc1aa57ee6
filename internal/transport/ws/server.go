// Package ws provides the WebSocket endpoint chat clients connect to.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/xiaot623/chatsync/internal/config"
	"github.com/xiaot623/chatsync/internal/domain"
	"github.com/xiaot623/chatsync/internal/hub"
	"github.com/xiaot623/chatsync/internal/metrics"
	"github.com/xiaot623/chatsync/internal/protocol"
	"github.com/xiaot623/chatsync/internal/service"
)

const handlerTimeout = 10 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Server
	hub      *hub.Hub
	service  *service.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// session is the per-connection state owned by the read pump.
type session struct {
	conn   *hub.Connection
	typing *rate.Limiter
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Server, h *hub.Hub, svc *service.Service, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checks belong to the fronting proxy.
				return true
			},
		},
	}
}

// RegisterRoutes registers the WebSocket route.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Add(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	sess := &session{
		conn:   conn,
		typing: rate.NewLimiter(rate.Limit(s.cfg.TypingRPS), s.cfg.TypingBurst),
	}

	go s.writePump(conn)
	go s.readPump(sess)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(sess *session) {
	conn := sess.conn
	defer func() {
		if s.hub.Remove(conn) {
			s.logger.Info("user went offline", "user_id", conn.UserID)
		}
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "conn_id", conn.ID, "error", err)
			}
			break
		}

		conn.Touch()
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleMessage(sess, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("failed to write message", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming events to their handlers.
func (s *Server) handleMessage(sess *session, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.sendError(sess.conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if env.Type != protocol.TypeRegister && sess.conn.UserID == "" {
		s.sendError(sess.conn, "", protocol.ErrorCodeRegisterRequired, "must send register first")
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		s.handleRegister(sess, env.Data)
	case protocol.TypeHeartbeat:
		// Touch already recorded the activity.
	case protocol.TypeSend:
		s.handleSend(sess, env.Data)
	case protocol.TypeReadReceipt:
		s.handleReadReceipt(sess, env.Data)
	case protocol.TypeTyping:
		s.handleTyping(sess, env.Data)
	default:
		s.sendError(sess.conn, "", protocol.ErrorCodeInvalidMessage, "unknown message type: "+env.Type)
	}
}

// handleRegister binds the connection to a user and flushes queued pushes.
func (s *Server) handleRegister(sess *session, data []byte) {
	var msg protocol.RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.UserID == "" {
		s.sendError(sess.conn, "", protocol.ErrorCodeInvalidMessage, "invalid register message")
		return
	}

	if sess.conn.UserID != "" && sess.conn.UserID != msg.UserID {
		s.sendError(sess.conn, "", protocol.ErrorCodeUnauthorized, "connection is bound to another user")
		return
	}

	if _, err := s.hub.BindUser(sess.conn, msg.UserID); err != nil {
		return
	}

	s.hub.SendToConnection(sess.conn, protocol.RegisterAckMessage{
		BaseMessage: protocol.NewBase(protocol.TypeRegisterAck),
		UserID:      msg.UserID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := s.service.FlushPending(ctx, msg.UserID); err != nil {
		s.logger.Error("failed to flush pending deliveries", "user_id", msg.UserID, "error", err)
	}
}

// handleSend persists a send, acks the sender and pushes to the recipient.
func (s *Server) handleSend(sess *session, data []byte) {
	var msg protocol.SendMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess.conn, "", protocol.ErrorCodeInvalidMessage, "invalid send message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	stored, _, err := s.service.SubmitMessage(ctx, service.SendRequest{
		From:         sess.conn.UserID,
		To:           msg.To,
		Content:      msg.Content,
		MediaRef:     msg.MediaRef,
		Kind:         msg.Kind,
		ClientTempID: msg.ClientTempID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSendRejected) {
			s.sendError(sess.conn, msg.ClientTempID, protocol.ErrorCodeSendRejected, err.Error())
			return
		}
		s.logger.Error("send failed", "from", sess.conn.UserID, "client_temp_id", msg.ClientTempID, "error", err)
		s.sendError(sess.conn, msg.ClientTempID, protocol.ErrorCodeInternalError, "failed to persist message")
		return
	}

	s.hub.SendToConnection(sess.conn, protocol.AckSentMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeAckSent),
		ClientTempID: msg.ClientTempID,
		Message:      *stored,
	})

	if err := s.service.DeliverMessage(ctx, stored); err != nil {
		s.logger.Error("delivery failed", "message_id", stored.ID, "error", err)
	}
}

// handleReadReceipt records that the connection's user read a message.
func (s *Server) handleReadReceipt(sess *session, data []byte) {
	var msg protocol.ReadReceiptMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.MessageID == "" {
		s.sendError(sess.conn, "", protocol.ErrorCodeInvalidMessage, "invalid read_receipt message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := s.service.RecordRead(ctx, sess.conn.UserID, msg.MessageID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrForbidden):
		s.sendError(sess.conn, "", protocol.ErrorCodeUnauthorized, "only the recipient can read a message")
	case errors.Is(err, domain.ErrNotFound):
		s.sendError(sess.conn, "", protocol.ErrorCodeInvalidMessage, "message not found")
	default:
		s.logger.Error("read receipt failed", "message_id", msg.MessageID, "error", err)
		s.sendError(sess.conn, "", protocol.ErrorCodeInternalError, "failed to record read receipt")
	}
}

// handleTyping relays a typing indicator, dropping floods.
func (s *Server) handleTyping(sess *session, data []byte) {
	var msg protocol.TypingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess.conn, "", protocol.ErrorCodeInvalidMessage, "invalid typing message")
		return
	}

	if !sess.typing.Allow() {
		s.metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
		s.sendError(sess.conn, "", protocol.ErrorCodeRateLimited, "typing events too frequent")
		return
	}

	s.service.RelayTyping(sess.conn.UserID, msg.To, msg.Typing)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, clientTempID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeError),
		Code:         code,
		Message:      message,
		ClientTempID: clientTempID,
	}
	s.hub.SendToConnection(conn, errMsg)
}
