// Package protocol defines the WebSocket event protocol between chat clients and the server.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/xiaot623/chatsync/internal/domain"
)

// Event types from client to server
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeSend      = "send"
)

// Event types from server to client
const (
	TypeRegisterAck      = "register_ack"
	TypeAckSent          = "ack_sent"
	TypePushMessage      = "push_message"
	TypeDeliveredReceipt = "delivered_receipt"
	TypePresenceSet      = "presence_set"
	TypeMessageEdited    = "message_edited"
	TypeError            = "error"
)

// Event types relayed in both directions
const (
	TypeReadReceipt = "read_receipt"
	TypeTyping      = "typing"
)

// BaseMessage contains common fields for all events.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// NewBase stamps an event header with the current time.
func NewBase(eventType string) BaseMessage {
	return BaseMessage{Type: eventType, Ts: time.Now().UnixMilli()}
}

// RegisterMessage binds a connection to a user identity.
type RegisterMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
}

// RegisterAckMessage confirms the binding.
type RegisterAckMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
}

// HeartbeatMessage keeps a registered session alive.
type HeartbeatMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
}

// SendMessage asks the server to persist and push a message.
type SendMessage struct {
	BaseMessage
	To           string      `json:"to"`
	Content      string      `json:"content,omitempty"`
	MediaRef     string      `json:"media_ref,omitempty"`
	Kind         domain.Kind `json:"kind"`
	ClientTempID string      `json:"client_temp_id"`
}

// AckSentMessage reconciles an optimistic entry with its persisted copy.
type AckSentMessage struct {
	BaseMessage
	ClientTempID string         `json:"client_temp_id"`
	Message      domain.Message `json:"message"`
}

// PushMessage delivers an inbound message to the recipient.
type PushMessage struct {
	BaseMessage
	Message domain.Message `json:"message"`
}

// MessageEditedMessage carries an edited message to both participants.
type MessageEditedMessage struct {
	BaseMessage
	Message domain.Message `json:"message"`
}

// ReadReceiptMessage signals that reader has viewed a message from sender.
type ReadReceiptMessage struct {
	BaseMessage
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
	SenderID  string `json:"sender_id"`
}

// DeliveredReceiptMessage signals that the recipient's live session received a push.
type DeliveredReceiptMessage struct {
	BaseMessage
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// TypingMessage is an ephemeral typing indicator.
type TypingMessage struct {
	BaseMessage
	From   string `json:"from"`
	To     string `json:"to"`
	Typing bool   `json:"typing"`
}

// PresenceSetMessage carries the full set of online users. Clients replace, never merge.
type PresenceSetMessage struct {
	BaseMessage
	UserIDs []string `json:"user_ids"`
}

// ErrorMessage is sent by the server when an event fails.
type ErrorMessage struct {
	BaseMessage
	Code         string `json:"code"`
	Message      string `json:"message"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// Error codes
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeRegisterRequired = "register_required"
	ErrorCodeSendRejected     = "send_rejected"
	ErrorCodeInternalError    = "internal_error"
	ErrorCodeRateLimited      = "rate_limited"
)

// Envelope is used for decoding incoming events before type dispatch.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// Decode reads the event type and keeps the raw payload for a second pass.
func Decode(data []byte) (Envelope, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: base.Type, Data: data}, nil
}
