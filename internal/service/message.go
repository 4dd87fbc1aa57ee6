package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/chatsync/internal/domain"
	"github.com/xiaot623/chatsync/internal/policy"
	"github.com/xiaot623/chatsync/internal/protocol"
	store "github.com/xiaot623/chatsync/internal/repository"
)

// SendRequest is a send as received from either transport.
type SendRequest struct {
	From         string      `json:"-" validate:"required,max=128"`
	To           string      `json:"to" validate:"required,max=128"`
	Content      string      `json:"content"`
	MediaRef     string      `json:"media_ref" validate:"max=1024"`
	Kind         domain.Kind `json:"kind" validate:"required,oneof=text image"`
	ClientTempID string      `json:"client_temp_id" validate:"max=128"`
}

// EditRequest replaces the text of a sent message.
type EditRequest struct {
	Content string `json:"content" validate:"required"`
}

// SubmitMessage validates and persists a send. A repeated client_temp_id from
// the same sender returns the stored copy with duplicate set, so outbox
// replays after a reconnect never create a second message.
func (s *Service) SubmitMessage(ctx context.Context, req SendRequest) (*domain.Message, bool, error) {
	if req.Kind == "" {
		req.Kind = domain.KindText
	}
	if err := validate.Struct(req); err != nil {
		s.metrics.SendsRejected.WithLabelValues("invalid").Inc()
		return nil, false, fmt.Errorf("%w: %v", domain.ErrSendRejected, err)
	}

	if req.ClientTempID != "" {
		existing, err := s.store.GetMessageByClientTempID(ctx, req.From, req.ClientTempID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check duplicate send: %w", err)
		}
		if existing != nil {
			s.logger.Debug("duplicate send ignored", "from", req.From, "client_temp_id", req.ClientTempID, "message_id", existing.ID)
			return existing, true, nil
		}
	}

	if err := s.checkPolicy(ctx, req.From, req.To, req.Kind, req.Content, req.MediaRef); err != nil {
		return nil, false, err
	}

	msg := &domain.Message{
		ID:           "msg_" + uuid.New().String(),
		ClientTempID: req.ClientTempID,
		From:         req.From,
		To:           req.To,
		Content:      req.Content,
		MediaRef:     req.MediaRef,
		Kind:         req.Kind,
		CreatedAt:    time.Now().UTC(),
		Status:       domain.StatusSent,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if store.IsUniqueViolation(err) && req.ClientTempID != "" {
			// Lost a race with a concurrent replay of the same send.
			existing, getErr := s.store.GetMessageByClientTempID(ctx, req.From, req.ClientTempID)
			if getErr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create message: %w", err)
	}

	s.metrics.MessagesSent.Inc()
	s.metrics.StatusAdvances.WithLabelValues(string(domain.StatusSent)).Inc()
	s.logger.Info("message persisted", "message_id", msg.ID, "conversation", msg.Key().String())
	return msg, false, nil
}

// DeliverMessage pushes a sent message to the recipient's live sessions.
// When at least one session takes it the message advances to delivered and
// the sender is told. Offline recipients get it on their next register.
func (s *Service) DeliverMessage(ctx context.Context, msg *domain.Message) error {
	if msg.Status != domain.StatusSent {
		return nil
	}

	n, err := s.pusher.PushToUser(msg.To, protocol.PushMessage{
		BaseMessage: protocol.NewBase(protocol.TypePushMessage),
		Message:     *msg,
	})
	if err != nil {
		return fmt.Errorf("failed to push message: %w", err)
	}
	if n == 0 {
		s.logger.Debug("recipient offline, delivery deferred", "message_id", msg.ID, "to", msg.To)
		return nil
	}
	s.metrics.Pushes.WithLabelValues(protocol.TypePushMessage).Inc()

	advanced, err := s.store.AdvanceStatus(ctx, msg.ID, domain.StatusDelivered)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if !advanced {
		return nil
	}
	msg.Status = domain.StatusDelivered
	s.metrics.StatusAdvances.WithLabelValues(string(domain.StatusDelivered)).Inc()

	if _, err := s.pusher.PushToUser(msg.From, protocol.DeliveredReceiptMessage{
		BaseMessage: protocol.NewBase(protocol.TypeDeliveredReceipt),
		MessageID:   msg.ID,
		UserID:      msg.To,
	}); err != nil {
		return fmt.Errorf("failed to push delivered receipt: %w", err)
	}
	s.metrics.Pushes.WithLabelValues(protocol.TypeDeliveredReceipt).Inc()
	return nil
}

// SendMessage persists and delivers in one step. Used by the REST fallback.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*domain.Message, error) {
	msg, _, err := s.SubmitMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.DeliverMessage(ctx, msg); err != nil {
		s.logger.Error("delivery failed", "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// GetConversation returns the log between viewer and counterparty.
func (s *Service) GetConversation(ctx context.Context, viewerID, counterpartyID string) ([]domain.Message, error) {
	messages, err := s.store.GetConversation(ctx, viewerID, counterpartyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return messages, nil
}

// UnreadMessages returns the unread snapshot for userID: per sender, the ids
// of messages userID has not read yet.
func (s *Service) UnreadMessages(ctx context.Context, userID string) (map[string][]string, error) {
	unread, err := s.store.UnreadMessageIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get unread messages: %w", err)
	}
	return unread, nil
}

// ClearConversation prunes the conversation for viewer only.
func (s *Service) ClearConversation(ctx context.Context, viewerID, counterpartyID string) error {
	if err := s.store.ClearConversation(ctx, viewerID, counterpartyID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	s.logger.Info("conversation cleared", "viewer", viewerID, "conversation", domain.KeyFor(viewerID, counterpartyID).String())
	return nil
}

// EditMessage replaces the content of one of the editor's own text messages
// and pushes the new copy to both participants.
func (s *Service) EditMessage(ctx context.Context, editorID, messageID string, req EditRequest) (*domain.Message, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSendRejected, err)
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return nil, domain.ErrNotFound
	}
	if msg.From != editorID {
		return nil, domain.ErrForbidden
	}
	if msg.Kind != domain.KindText {
		return nil, fmt.Errorf("%w: only text messages can be edited", domain.ErrSendRejected)
	}
	if err := s.checkPolicy(ctx, msg.From, msg.To, msg.Kind, req.Content, ""); err != nil {
		return nil, err
	}

	if err := s.store.UpdateMessageContent(ctx, messageID, req.Content); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	msg.Content = req.Content

	event := protocol.MessageEditedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessageEdited),
		Message:     *msg,
	}
	key := msg.Key()
	for _, userID := range []string{key.A, key.B} {
		if _, err := s.pusher.PushToUser(userID, event); err != nil {
			s.logger.Error("failed to push edit", "message_id", msg.ID, "user_id", userID, "error", err)
		}
	}
	s.metrics.Pushes.WithLabelValues(protocol.TypeMessageEdited).Inc()
	return msg, nil
}

func (s *Service) checkPolicy(ctx context.Context, from, to string, kind domain.Kind, content, mediaRef string) error {
	if s.policyEngine == nil {
		return nil
	}
	decision, reason, err := s.policyEngine.Evaluate(ctx, policy.SendInput{
		From:             from,
		To:               to,
		Kind:             string(kind),
		Content:          content,
		MediaRef:         mediaRef,
		MaxContentLength: s.config.MaxContentLength,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate send policy: %w", err)
	}
	if decision != policy.DecisionAllow {
		s.metrics.SendsRejected.WithLabelValues(reason).Inc()
		s.logger.Info("send rejected by policy", "from", from, "to", to, "reason", reason)
		return fmt.Errorf("%w: %s", domain.ErrSendRejected, reason)
	}
	return nil
}
