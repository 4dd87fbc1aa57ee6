package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatsync/internal/protocol"
)

// fakeChatd upgrades every request and hands the socket to handle.
func fakeChatd(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

func startSession(t *testing.T, serverURL string, cfg SessionConfig, hooks SessionHooks) *Session {
	t.Helper()
	cfg.URL = "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	cfg.UserID = "alice"
	s := NewSession(cfg, hooks, logs.GetLoggerFromLevel(slog.LevelDebug))
	s.Connect(context.Background())
	t.Cleanup(s.Disconnect)
	return s
}

func TestSessionBacksOffWhenServerDropsBeforeAck(t *testing.T) {
	srv, dials := fakeChatd(t, func(conn *websocket.Conn) {})

	var connects atomic.Int32
	startSession(t, srv.URL, SessionConfig{
		ReconnectMin: 50 * time.Millisecond,
		ReconnectMax: 200 * time.Millisecond,
	}, SessionHooks{OnConnect: func() { connects.Add(1) }})

	time.Sleep(500 * time.Millisecond)

	// 50 + 100 + 200 + 200 ms of waiting fit in the window, plus the first dial.
	n := dials.Load()
	assert.GreaterOrEqual(t, n, int32(2))
	assert.LessOrEqual(t, n, int32(6))
	assert.Zero(t, connects.Load())
}

func TestSessionHeartbeatsAfterAck(t *testing.T) {
	var heartbeats atomic.Int32
	srv, dials := fakeChatd(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.TypeRegister {
			return
		}
		if err := conn.WriteJSON(protocol.RegisterAckMessage{
			BaseMessage: protocol.NewBase(protocol.TypeRegisterAck),
			UserID:      "alice",
		}); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil && env.Type == protocol.TypeHeartbeat {
				heartbeats.Add(1)
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			}
		}
	})

	// Each heartbeat is answered with a ping so the read deadline keeps moving.
	var connects, disconnects atomic.Int32
	s := startSession(t, srv.URL, SessionConfig{
		Heartbeat:    50 * time.Millisecond,
		ReconnectMin: 50 * time.Millisecond,
	}, SessionHooks{
		OnConnect:    func() { connects.Add(1) },
		OnDisconnect: func(error) { disconnects.Add(1) },
	})

	require.Eventually(t, func() bool { return heartbeats.Load() >= 3 }, time.Second, 10*time.Millisecond)
	assert.True(t, s.Connected())
	assert.Equal(t, int32(1), connects.Load())
	assert.Equal(t, int32(1), dials.Load())

	s.Disconnect()
	assert.False(t, s.Connected())
	assert.Equal(t, int32(1), disconnects.Load())
}

func TestSessionSendWithoutConnection(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://127.0.0.1:1/ws", UserID: "alice"}, SessionHooks{}, logs.GetLoggerFromLevel(slog.LevelDebug))
	assert.False(t, s.Connected())
	assert.Error(t, s.Send(protocol.NewBase(protocol.TypeHeartbeat)))
}
