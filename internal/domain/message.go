package domain

import (
	"strings"
	"time"
)

// User is an identity owned by the external identity system.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// Message is a single 1:1 chat message.
// From and To are always plain user ids.
type Message struct {
	ID           string    `json:"id,omitempty"`
	ClientTempID string    `json:"client_temp_id,omitempty"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Content      string    `json:"content,omitempty"`
	MediaRef     string    `json:"media_ref,omitempty"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	Status       Status    `json:"status"`
}

// Pending reports whether the message is still an optimistic local entry.
func (m Message) Pending() bool {
	return m.ID == "" && m.ClientTempID != ""
}

// Counterparty returns the other participant from self's point of view.
func (m Message) Counterparty(self string) string {
	if m.From == self {
		return m.To
	}
	return m.From
}

// Key returns the conversation the message belongs to.
func (m Message) Key() ConversationKey {
	return KeyFor(m.From, m.To)
}

// ConversationKey identifies a 1:1 conversation by its unordered participant pair.
type ConversationKey struct {
	A string
	B string
}

// KeyFor builds the conversation key for two users regardless of order.
func KeyFor(u1, u2 string) ConversationKey {
	if u1 > u2 {
		u1, u2 = u2, u1
	}
	return ConversationKey{A: u1, B: u2}
}

func (k ConversationKey) String() string {
	return k.A + ":" + k.B
}

// Other returns the participant that is not userID.
func (k ConversationKey) Other(userID string) string {
	if k.A == userID {
		return k.B
	}
	return k.A
}

// Preview returns a short single-line rendering of the message body.
func (m Message) Preview(max int) string {
	if m.Kind == KindImage {
		return "[image]"
	}
	s := strings.ReplaceAll(m.Content, "\n", " ")
	if max > 0 && len([]rune(s)) > max {
		return string([]rune(s)[:max]) + "…"
	}
	return s
}
