// Package client is the chat client core: it keeps local conversation state
// in sync with chatd over a WebSocket session, falling back to REST for
// authoritative snapshots.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaot623/chatsync/internal/client/api"
	"github.com/xiaot623/chatsync/internal/client/chatstate"
	"github.com/xiaot623/chatsync/internal/config"
	"github.com/xiaot623/chatsync/internal/domain"
	"github.com/xiaot623/chatsync/internal/protocol"
)

// ErrClosed is returned once Run has exited.
var ErrClosed = errors.New("client closed")

// NoticeKind identifies a user-facing notification.
type NoticeKind string

const (
	NoticeConnectivity NoticeKind = "connectivity"
	NoticeSynced       NoticeKind = "synced"
	NoticeSendFailed   NoticeKind = "send_failed"
	NoticeFetchFailed  NoticeKind = "fetch_failed"
	NoticeInbound      NoticeKind = "inbound"
	NoticeStatus       NoticeKind = "status"
	NoticeEdited       NoticeKind = "edited"
	NoticeTyping       NoticeKind = "typing"
	NoticePresence     NoticeKind = "presence"
	NoticeServerError  NoticeKind = "server_error"
)

// Notice tells the UI that something changed or failed.
type Notice struct {
	Kind         NoticeKind
	Connected    bool
	Counterparty string
	Message      domain.Message
	// Draft is the content of a failed send, for restoring the compose box.
	Draft  string
	Status domain.Status
	Typing bool
	Online []string
	Err    error
}

// Client owns one user's chat state. All state access is serialized through
// the goroutine started by Run.
type Client struct {
	cfg     *config.Client
	api     *api.Client
	session *Session
	logger  *slog.Logger

	ops     chan func(*chatstate.State)
	notices chan Notice
	stopped chan struct{}

	state     *chatstate.State
	connected bool
}

// New creates a client for cfg.UserID. Call Run before anything else.
func New(cfg *config.Client, logger *slog.Logger) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	wsURL, err := WebSocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		api:     api.NewClient(cfg.ServerURL, cfg.UserID, cfg.RequestTimeout),
		logger:  logger.With("user_id", cfg.UserID),
		ops:     make(chan func(*chatstate.State)),
		notices: make(chan Notice, 128),
		stopped: make(chan struct{}),
		state:   chatstate.New(cfg.UserID),
	}
	c.session = NewSession(SessionConfig{
		URL:          wsURL,
		UserID:       cfg.UserID,
		Heartbeat:    cfg.Heartbeat,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, SessionHooks{
		OnConnect:    c.onConnect,
		OnDisconnect: c.onDisconnect,
		OnEvent:      c.onEvent,
	}, c.logger)
	return c, nil
}

// Notices returns the notification stream. Notices are dropped when the
// reader falls behind.
func (c *Client) Notices() <-chan Notice { return c.notices }

// Run owns the state until ctx ends. It also polls the open conversation
// while the socket is down.
func (c *Client) Run(ctx context.Context) {
	defer c.session.Disconnect()
	defer close(c.stopped)

	poll := c.cfg.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.ops:
			fn(c.state)
		case <-ticker.C:
			if c.connected || c.state.Open() == "" {
				continue
			}
			go c.refreshOpen(ctx, c.state.Open(), false)
		}
	}
}

// Connect starts the transport session. Safe to call repeatedly.
func (c *Client) Connect(ctx context.Context) { c.session.Connect(ctx) }

// Disconnect tears the transport down. Local state is kept and the fallback
// poll takes over.
func (c *Client) Disconnect() {
	c.session.Disconnect()
	c.post(func(s *chatstate.State) { c.setDisconnected(s, nil) })
}

// Send composes a text message.
func (c *Client) Send(ctx context.Context, to, content string) (domain.Message, error) {
	return c.send(ctx, to, content, "", domain.KindText)
}

// SendImage composes an image message referencing already uploaded media.
func (c *Client) SendImage(ctx context.Context, to, mediaRef string) (domain.Message, error) {
	return c.send(ctx, to, "", mediaRef, domain.KindImage)
}

// send appends the optimistic entry and hands it to the socket. Without a
// socket the entry stays pending and domain.ErrTransportUnavailable is
// returned; it is flushed on the next connect. With REST fallback on, only a
// refusal from chatd removes the entry; an unreachable chatd leaves it queued.
func (c *Client) send(ctx context.Context, to, content, mediaRef string, kind domain.Kind) (domain.Message, error) {
	var m domain.Message
	var connected bool
	if err := c.do(func(s *chatstate.State) {
		m = s.AppendOptimistic(to, content, mediaRef, kind)
		connected = c.connected
	}); err != nil {
		return domain.Message{}, err
	}

	if connected {
		if err := c.session.Send(sendEvent(m)); err == nil {
			return m, nil
		}
	}
	if !c.cfg.RESTFallbackSend {
		return m, domain.ErrTransportUnavailable
	}

	persisted, err := c.api.Send(ctx, &api.SendRequest{
		To:           m.To,
		Content:      m.Content,
		MediaRef:     m.MediaRef,
		Kind:         m.Kind,
		ClientTempID: m.ClientTempID,
	})
	if errors.Is(err, domain.ErrTransportUnavailable) {
		return m, err
	}
	if err != nil {
		_ = c.do(func(s *chatstate.State) {
			if removed, ok := s.RemoveOptimistic(m.ClientTempID); ok {
				c.notify(Notice{Kind: NoticeSendFailed, Counterparty: to, Message: removed, Draft: removed.Content, Err: err})
			}
		})
		return m, err
	}
	_ = c.do(func(s *chatstate.State) { s.ReconcileSent(m.ClientTempID, *persisted) })
	return *persisted, nil
}

// OpenConversation puts counterparty on screen, fetches the log and marks it read.
func (c *Client) OpenConversation(ctx context.Context, counterparty string) error {
	if err := c.do(func(s *chatstate.State) { s.SetOpen(counterparty) }); err != nil {
		return err
	}
	return c.refreshOpen(ctx, counterparty, true)
}

// CloseConversation clears the on-screen conversation.
func (c *Client) CloseConversation() error {
	return c.do(func(s *chatstate.State) { s.CloseOpen() })
}

// FetchLog replaces the local log for counterparty with the server's copy.
func (c *Client) FetchLog(ctx context.Context, counterparty string) error {
	fetched, err := c.api.FetchLog(ctx, counterparty)
	if err != nil {
		c.notify(Notice{Kind: NoticeFetchFailed, Counterparty: counterparty, Err: err})
		return err
	}
	return c.do(func(s *chatstate.State) { s.ReplaceLog(counterparty, fetched) })
}

// MarkRead flips every unread message from counterparty and tells the server.
func (c *Client) MarkRead(ctx context.Context, counterparty string) error {
	var ids []string
	var connected bool
	if err := c.do(func(s *chatstate.State) {
		ids = s.MarkRead(counterparty)
		connected = c.connected
	}); err != nil {
		return err
	}
	return c.emitReceipts(ctx, counterparty, ids, connected)
}

// Clear wipes the conversation locally and on the server for this user only.
func (c *Client) Clear(ctx context.Context, counterparty string) error {
	if err := c.do(func(s *chatstate.State) { s.ClearLocal(counterparty) }); err != nil {
		return err
	}
	return c.api.Clear(ctx, counterparty)
}

// Edit changes the content of one of our own text messages.
func (c *Client) Edit(ctx context.Context, messageID, content string) error {
	edited, err := c.api.Edit(ctx, messageID, content)
	if err != nil {
		return err
	}
	return c.do(func(s *chatstate.State) { s.ApplyEdit(*edited) })
}

// SetTyping relays a typing indicator. It is never queued.
func (c *Client) SetTyping(to string, typing bool) error {
	return c.session.Send(protocol.TypingMessage{
		BaseMessage: protocol.NewBase(protocol.TypeTyping),
		From:        c.cfg.UserID,
		To:          to,
		Typing:      typing,
	})
}

// Log returns a copy of the conversation with counterparty.
func (c *Client) Log(counterparty string) []domain.Message {
	var out []domain.Message
	_ = c.do(func(s *chatstate.State) { out = s.Log(counterparty) })
	return out
}

// Unread returns the non-zero unread counters.
func (c *Client) Unread() map[string]int {
	var out map[string]int
	_ = c.do(func(s *chatstate.State) { out = s.Unread() })
	return out
}

// Presence returns the sorted online set.
func (c *Client) Presence() []string {
	var out []string
	_ = c.do(func(s *chatstate.State) { out = s.Presence() })
	return out
}

// Typing reports whether counterparty is typing to us.
func (c *Client) Typing(counterparty string) bool {
	var out bool
	_ = c.do(func(s *chatstate.State) { out = s.Typing(counterparty) })
	return out
}

// Pending returns sends still waiting for an ack.
func (c *Client) Pending() []domain.Message {
	var out []domain.Message
	_ = c.do(func(s *chatstate.State) { out = s.Pending() })
	return out
}

// Connected reports whether the client considers the socket live.
func (c *Client) Connected() bool {
	var out bool
	_ = c.do(func(*chatstate.State) { out = c.connected })
	return out
}

// do runs fn on the state goroutine and waits for it. Never call from inside an op.
func (c *Client) do(fn func(*chatstate.State)) error {
	done := make(chan struct{})
	select {
	case c.ops <- func(s *chatstate.State) { fn(s); close(done) }:
	case <-c.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrClosed
	}
}

// post queues fn without waiting for it.
func (c *Client) post(fn func(*chatstate.State)) {
	select {
	case c.ops <- fn:
	case <-c.stopped:
	}
}

func (c *Client) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.logger.Warn("notice dropped", "kind", n.Kind)
	}
}

func (c *Client) onConnect() {
	c.post(func(s *chatstate.State) {
		c.connected = true
		c.notify(Notice{Kind: NoticeConnectivity, Connected: true})
		go c.resync(context.Background(), s.Open(), s.Pending())
	})
}

func (c *Client) onDisconnect(err error) {
	c.post(func(s *chatstate.State) { c.setDisconnected(s, err) })
}

func (c *Client) setDisconnected(s *chatstate.State, err error) {
	if !c.connected {
		return
	}
	c.connected = false
	s.ResetEphemeral()
	c.notify(Notice{Kind: NoticeConnectivity, Connected: false, Err: err})
}

// resync pulls authoritative snapshots after a (re)connect and replays the outbox.
func (c *Client) resync(ctx context.Context, open string, pending []domain.Message) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout())
	defer cancel()

	unread, err := c.api.FetchUnread(ctx)
	if err != nil {
		c.logger.Warn("unread snapshot failed", "error", err)
		c.notify(Notice{Kind: NoticeFetchFailed, Err: err})
	} else {
		c.post(func(s *chatstate.State) { s.ReplaceUnread(unread) })
	}

	if open != "" {
		_ = c.refreshOpen(ctx, open, true)
	}

	for _, m := range pending {
		if err := c.session.Send(sendEvent(m)); err != nil {
			c.logger.Debug("outbox flush interrupted", "error", err)
			return
		}
	}
	if len(pending) > 0 {
		c.logger.Info("outbox flushed", "count", len(pending))
	}
	c.notify(Notice{Kind: NoticeSynced})
}

// refreshOpen replaces counterparty's log and, if it is still on screen,
// marks it read. Fetch failures leave state untouched.
func (c *Client) refreshOpen(ctx context.Context, counterparty string, surface bool) error {
	fetched, err := c.api.FetchLog(ctx, counterparty)
	if err != nil {
		if surface {
			c.notify(Notice{Kind: NoticeFetchFailed, Counterparty: counterparty, Err: err})
		} else {
			c.logger.Debug("poll failed", "counterparty", counterparty, "error", err)
		}
		return err
	}

	var ids []string
	var connected bool
	if err := c.do(func(s *chatstate.State) {
		s.ReplaceLog(counterparty, fetched)
		if s.Open() == counterparty {
			ids = s.MarkRead(counterparty)
		}
		connected = c.connected
	}); err != nil {
		return err
	}
	return c.emitReceipts(ctx, counterparty, ids, connected)
}

// emitReceipts reports reads over the socket, falling back to REST.
func (c *Client) emitReceipts(ctx context.Context, counterparty string, ids []string, connected bool) error {
	if len(ids) == 0 {
		return nil
	}
	if connected {
		sent := 0
		for _, id := range ids {
			if err := c.session.Send(readReceipt(id, c.cfg.UserID, counterparty)); err != nil {
				break
			}
			sent++
		}
		if sent == len(ids) {
			return nil
		}
	}
	if _, err := c.api.MarkRead(ctx, counterparty); err != nil {
		return err
	}
	return nil
}

func (c *Client) onEvent(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("undecodable event", "error", err)
		return
	}
	c.post(func(s *chatstate.State) {
		if err := c.handleEvent(s, env); err != nil {
			c.logger.Warn("bad event", "type", env.Type, "error", err)
		}
	})
}

// handleEvent applies one server event. Runs on the state goroutine.
func (c *Client) handleEvent(s *chatstate.State, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRegisterAck:
		c.logger.Debug("registered")

	case protocol.TypeAckSent:
		var ev protocol.AckSentMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		s.ReconcileSent(ev.ClientTempID, ev.Message)
		c.notify(Notice{Kind: NoticeStatus, Counterparty: ev.Message.To, Message: ev.Message, Status: domain.StatusSent})

	case protocol.TypePushMessage:
		var ev protocol.PushMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		receipt, err := s.ReceiveInbound(ev.Message)
		if errors.Is(err, domain.ErrDuplicateIgnored) {
			return nil
		}
		if err != nil {
			return err
		}
		c.notify(Notice{Kind: NoticeInbound, Counterparty: ev.Message.From, Message: ev.Message})
		if receipt {
			rr := readReceipt(ev.Message.ID, s.Self(), ev.Message.From)
			go func() {
				if err := c.session.Send(rr); err != nil {
					c.logger.Debug("read receipt not sent", "message_id", rr.MessageID, "error", err)
				}
			}()
		}

	case protocol.TypeDeliveredReceipt:
		var ev protocol.DeliveredReceiptMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		if s.ApplyStatus(ev.MessageID, domain.StatusDelivered) {
			c.notify(Notice{Kind: NoticeStatus, Counterparty: ev.UserID, Message: domain.Message{ID: ev.MessageID}, Status: domain.StatusDelivered})
		}

	case protocol.TypeReadReceipt:
		var ev protocol.ReadReceiptMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		if s.ApplyStatus(ev.MessageID, domain.StatusRead) {
			c.notify(Notice{Kind: NoticeStatus, Counterparty: ev.ReaderID, Message: domain.Message{ID: ev.MessageID}, Status: domain.StatusRead})
		}

	case protocol.TypeTyping:
		var ev protocol.TypingMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		s.SetTyping(ev.From, ev.Typing)
		c.notify(Notice{Kind: NoticeTyping, Counterparty: ev.From, Typing: ev.Typing})

	case protocol.TypePresenceSet:
		var ev protocol.PresenceSetMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		s.SetPresence(ev.UserIDs)
		c.notify(Notice{Kind: NoticePresence, Online: s.Presence()})

	case protocol.TypeMessageEdited:
		var ev protocol.MessageEditedMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		if s.ApplyEdit(ev.Message) {
			c.notify(Notice{Kind: NoticeEdited, Counterparty: ev.Message.Counterparty(s.Self()), Message: ev.Message})
		}

	case protocol.TypeError:
		var ev protocol.ErrorMessage
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return err
		}
		serverErr := fmt.Errorf("%s: %s", ev.Code, ev.Message)
		if ev.ClientTempID != "" {
			if removed, ok := s.RemoveOptimistic(ev.ClientTempID); ok {
				c.notify(Notice{
					Kind:         NoticeSendFailed,
					Counterparty: removed.To,
					Message:      removed,
					Draft:        removed.Content,
					Err:          fmt.Errorf("%w: %v", domain.ErrSendRejected, serverErr),
				})
				return nil
			}
		}
		c.notify(Notice{Kind: NoticeServerError, Err: serverErr})

	default:
		c.logger.Debug("unhandled event", "type", env.Type)
	}
	return nil
}

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 15 * time.Second
}

func sendEvent(m domain.Message) protocol.SendMessage {
	return protocol.SendMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeSend),
		To:           m.To,
		Content:      m.Content,
		MediaRef:     m.MediaRef,
		Kind:         m.Kind,
		ClientTempID: m.ClientTempID,
	}
}

func readReceipt(messageID, reader, sender string) protocol.ReadReceiptMessage {
	return protocol.ReadReceiptMessage{
		BaseMessage: protocol.NewBase(protocol.TypeReadReceipt),
		MessageID:   messageID,
		ReaderID:    reader,
		SenderID:    sender,
	}
}
