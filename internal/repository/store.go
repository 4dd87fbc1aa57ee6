// Package store defines the storage interface and its SQLite implementation.
package store

import (
	"context"

	"github.com/xiaot623/chatsync/internal/domain"
)

// Store defines the interface for message persistence.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	GetMessageByClientTempID(ctx context.Context, fromUserID, clientTempID string) (*domain.Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string) error

	// Conversation operations
	GetConversation(ctx context.Context, viewerID, counterpartyID string) ([]domain.Message, error)
	ClearConversation(ctx context.Context, viewerID, counterpartyID string) error
	UnreadMessageIDs(ctx context.Context, userID string) (map[string][]string, error)

	// Status operations
	AdvanceStatus(ctx context.Context, messageID string, status domain.Status) (bool, error)
	MarkConversationRead(ctx context.Context, readerID, senderID string) ([]domain.Message, error)
	PendingDeliveries(ctx context.Context, recipientID string) ([]domain.Message, error)

	// Lifecycle
	Close() error
}
