// Package hub keeps the presence-keyed table of live WebSocket sessions.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/chatsync/internal/metrics"
	"github.com/xiaot623/chatsync/internal/protocol"
)

// ErrConnectionClosed is returned when writing to a connection the hub already dropped.
var ErrConnectionClosed = errors.New("connection closed")

// Connection represents a single WebSocket connection.
// UserID is empty until the client sends register.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	lastSeen atomic.Int64
	closed   bool
	mu       sync.Mutex
}

// Touch records inbound activity for heartbeat expiry.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// Hub manages all WebSocket connections.
//
// Every mutation of the tables, every enqueue onto a Send channel and every
// close of a Send channel happens under mu, so a push never reaches a
// session that was removed and never misses one that was bound.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// users maps user_id to the set of registered connection IDs
	users map[string]map[string]bool

	presenceDirty bool
	sendBuffer    int

	logger  *slog.Logger
	metrics *metrics.Metrics
	mu      sync.Mutex
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger, m *metrics.Metrics, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]bool),
		sendBuffer:  sendBuffer,
		logger:      logger,
		metrics:     m,
	}
}

// NewConnection wraps a socket in a connection that is not yet added to the hub.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	conn := &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, h.sendBuffer),
	}
	conn.Touch()
	return conn
}

// Add tracks a transport-level connection. It does not make anyone online.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn
	h.metrics.Connections.Set(float64(len(h.connections)))
	h.logger.Debug("connection added", "conn_id", conn.ID)
}

// BindUser registers conn as a session of userID and reports whether the
// user just came online. The full presence set is rebroadcast when it does.
func (h *Hub) BindUser(conn *Connection, userID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return false, ErrConnectionClosed
	}
	if _, ok := h.connections[conn.ID]; !ok {
		h.connections[conn.ID] = conn
	}

	if conn.UserID == userID {
		return false, nil
	}

	// Remove from old user if any
	if conn.UserID != "" {
		h.unbindLocked(conn)
	}

	conn.UserID = userID
	cameOnline := len(h.users[userID]) == 0
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]bool)
	}
	h.users[userID][conn.ID] = true

	if cameOnline {
		h.presenceDirty = true
		h.flushPresenceLocked()
	} else {
		// Set unchanged; the new session still needs its first snapshot.
		h.deliverLocked([]*Connection{conn}, h.presenceFrameLocked())
		h.flushPresenceLocked()
	}
	h.logger.Info("session registered", "conn_id", conn.ID, "user_id", userID, "came_online", cameOnline)
	return cameOnline, nil
}

// Remove drops a connection and closes its Send channel. Calling it again is a no-op.
// It reports whether the connection's user went offline.
func (h *Hub) Remove(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	wentOffline := h.removeLocked(conn)
	h.flushPresenceLocked()
	return wentOffline
}

// PushToUser enqueues v to every registered session of userID and returns
// how many sessions accepted it. Zero means the user is offline.
func (h *Hub) PushToUser(userID string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.deliverLocked(h.userConnsLocked(userID), data)
	h.flushPresenceLocked()
	return n, nil
}

// SendToConnection enqueues v to one connection.
func (h *Hub) SendToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return ErrConnectionClosed
	}
	if h.deliverLocked([]*Connection{conn}, data) == 0 {
		h.flushPresenceLocked()
		return ErrBufferFull
	}
	return nil
}

// IsOnline reports whether userID has at least one registered session.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID]) > 0
}

// OnlineUsers returns a sorted snapshot of the presence set.
func (h *Hub) OnlineUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked()
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// GetOnlineCount returns the number of online users.
func (h *Hub) GetOnlineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users)
}

// Sweep evicts connections whose last activity is older than expiry and
// returns how many were dropped.
func (h *Hub) Sweep(now time.Time, expiry time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var expired []*Connection
	for _, conn := range h.connections {
		if now.Sub(conn.LastSeen()) > expiry {
			expired = append(expired, conn)
		}
	}
	for _, conn := range expired {
		h.logger.Info("session expired", "conn_id", conn.ID, "user_id", conn.UserID, "last_seen", conn.LastSeen())
		h.removeLocked(conn)
		h.metrics.SessionsExpired.Inc()
	}
	h.flushPresenceLocked()
	return len(expired)
}

// RunSweeper evicts expired sessions every interval until ctx is done.
func (h *Hub) RunSweeper(ctx context.Context, interval, expiry time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Sweep(now, expiry)
		}
	}
}

// CloseAll drops every connection. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.connections {
		h.removeLocked(conn)
	}
	h.presenceDirty = false
}

func (h *Hub) userConnsLocked(userID string) []*Connection {
	ids := h.users[userID]
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := h.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (h *Hub) onlineLocked() []string {
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// deliverLocked enqueues without blocking. A full buffer means a stuck
// reader, so the connection is dropped.
func (h *Hub) deliverLocked(conns []*Connection, data []byte) int {
	n := 0
	var slow []*Connection
	for _, conn := range conns {
		if conn.closed {
			continue
		}
		select {
		case conn.Send <- data:
			n++
		default:
			slow = append(slow, conn)
		}
	}
	for _, conn := range slow {
		h.logger.Warn("connection buffer full, closing", "conn_id", conn.ID, "user_id", conn.UserID)
		h.metrics.EventsDropped.WithLabelValues("slow_consumer").Inc()
		h.removeLocked(conn)
	}
	return n
}

func (h *Hub) removeLocked(conn *Connection) bool {
	if conn.closed {
		return false
	}
	conn.closed = true
	close(conn.Send)
	delete(h.connections, conn.ID)

	wentOffline := false
	if conn.UserID != "" {
		wentOffline = h.unbindLocked(conn)
	}
	h.metrics.Connections.Set(float64(len(h.connections)))
	h.logger.Debug("connection removed", "conn_id", conn.ID, "user_id", conn.UserID)
	return wentOffline
}

func (h *Hub) unbindLocked(conn *Connection) bool {
	set := h.users[conn.UserID]
	if set == nil {
		return false
	}
	delete(set, conn.ID)
	if len(set) > 0 {
		return false
	}
	delete(h.users, conn.UserID)
	h.presenceDirty = true
	return true
}

// flushPresenceLocked rebroadcasts the full online set while it keeps changing.
// Each round can only drop connections, so the loop terminates.
func (h *Hub) flushPresenceLocked() {
	for h.presenceDirty {
		h.presenceDirty = false
		h.metrics.OnlineUsers.Set(float64(len(h.users)))
		data := h.presenceFrameLocked()

		conns := make([]*Connection, 0, len(h.connections))
		for _, conn := range h.connections {
			if conn.UserID != "" {
				conns = append(conns, conn)
			}
		}
		h.deliverLocked(conns, data)
	}
}

func (h *Hub) presenceFrameLocked() []byte {
	// A slice of strings always marshals.
	data, _ := json.Marshal(protocol.PresenceSetMessage{
		BaseMessage: protocol.NewBase(protocol.TypePresenceSet),
		UserIDs:     h.onlineLocked(),
	})
	return data
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
