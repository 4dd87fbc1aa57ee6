package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/chatsync/internal/domain"
	"github.com/xiaot623/chatsync/internal/protocol"
)

const writeWait = 10 * time.Second

// SessionConfig configures a transport session.
type SessionConfig struct {
	URL          string
	UserID       string
	Heartbeat    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// SessionHooks are invoked from the session goroutine. They must not block.
type SessionHooks struct {
	// OnConnect runs each time the server acknowledges a register.
	OnConnect func()
	// OnDisconnect runs when an acknowledged connection is lost or torn down.
	OnDisconnect func(err error)
	// OnEvent receives every frame read from the server.
	OnEvent func(data []byte)
}

// Session keeps one logical WebSocket connection alive, redialing with
// backoff until Disconnect.
type Session struct {
	cfg    SessionConfig
	hooks  SessionHooks
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

// NewSession creates a session. Nothing is dialed until Connect.
func NewSession(cfg SessionConfig, hooks SessionHooks, logger *slog.Logger) *Session {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	return &Session{
		cfg:    cfg,
		hooks:  hooks,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// WebSocketURL derives the socket endpoint from the server base URL.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connect starts the session in the background. Dial failures are retried
// forever and never returned. Calling Connect while running is a no-op.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
}

// Disconnect tears the session down and waits for its goroutines. Safe to
// call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
}

// Connected reports whether a socket is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes one event. It returns domain.ErrTransportUnavailable when no
// connection is live or the write fails.
func (s *Session) Send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return domain.ErrTransportUnavailable
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// run dials until ctx ends. Every redial, after a failed dial or a lost
// connection, waits the current backoff. The backoff only resets once a
// connection was acknowledged by the server.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := s.cfg.ReconnectMin
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("dial failed, retrying", "url", s.cfg.URL, "backoff", backoff, "error", err)
		} else {
			registered, err := s.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			if registered {
				backoff = s.cfg.ReconnectMin
			}
			s.logger.Info("connection lost, reconnecting", "registered", registered, "backoff", backoff, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

// serve runs one connection until it fails or ctx ends. It reports whether
// the server acknowledged the register. OnConnect and the heartbeat start
// only after that acknowledgement.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	readTimeout := 3 * s.cfg.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return false, ctx.Err()
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := s.Send(protocol.RegisterMessage{
		BaseMessage: protocol.NewBase(protocol.TypeRegister),
		UserID:      s.cfg.UserID,
	}); err != nil {
		return false, err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	registered := false
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !registered {
			if env, err := protocol.Decode(data); err == nil && env.Type == protocol.TypeRegisterAck {
				registered = true
				go s.heartbeat(hbCtx)
				if s.hooks.OnConnect != nil {
					s.hooks.OnConnect()
				}
			}
		}
		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(data)
		}
	}

	if registered && s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(readErr)
	}
	return registered, readErr
}

func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(protocol.HeartbeatMessage{
				BaseMessage: protocol.NewBase(protocol.TypeHeartbeat),
				UserID:      s.cfg.UserID,
			}); err != nil {
				s.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}
