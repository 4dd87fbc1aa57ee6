package service

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/xiaot623/chatsync/internal/domain"
	"github.com/xiaot623/chatsync/internal/protocol"
)

// FlushPending pushes every message that was waiting for userID to come
// online and returns how many were delivered.
func (s *Service) FlushPending(ctx context.Context, userID string) (int, error) {
	pending, err := s.store.PendingDeliveries(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending deliveries: %w", err)
	}

	delivered := 0
	for i := range pending {
		if err := s.DeliverMessage(ctx, &pending[i]); err != nil {
			return delivered, err
		}
		if pending[i].Status == domain.StatusDelivered {
			delivered++
		}
	}
	if delivered > 0 {
		s.logger.Info("flushed pending deliveries", "user_id", userID, "count", delivered)
	}
	return delivered, nil
}

// RecordRead applies a read receipt from readerID. Only the recipient can
// read a message; a receipt for a message already read is a no-op.
func (s *Service) RecordRead(ctx context.Context, readerID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return domain.ErrNotFound
	}
	if msg.To != readerID {
		return domain.ErrForbidden
	}

	advanced, err := s.store.AdvanceStatus(ctx, messageID, domain.StatusRead)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	if !advanced {
		return nil
	}
	s.metrics.StatusAdvances.WithLabelValues(string(domain.StatusRead)).Inc()
	s.forwardReadReceipt(readerID, msg.Key().Other(readerID), messageID)
	return nil
}

// MarkConversationRead flips everything senderID sent to readerID to read
// and forwards one receipt per flipped message.
func (s *Service) MarkConversationRead(ctx context.Context, readerID, senderID string) ([]domain.Message, error) {
	changed, err := s.store.MarkConversationRead(ctx, readerID, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark conversation read: %w", err)
	}

	for _, m := range changed {
		s.metrics.StatusAdvances.WithLabelValues(string(domain.StatusRead)).Inc()
		s.forwardReadReceipt(readerID, senderID, m.ID)
	}
	if len(changed) > 0 {
		s.logger.Debug("conversation marked read", "reader", readerID, "sender", senderID,
			"message_ids", lo.Map(changed, func(m domain.Message, _ int) string { return m.ID }))
	}
	return changed, nil
}

// RelayTyping forwards a typing indicator when the recipient is online.
// Nothing is stored. It reports whether the indicator was relayed.
func (s *Service) RelayTyping(from, to string, typing bool) bool {
	if from == "" || to == "" || from == to {
		return false
	}
	if !s.pusher.IsOnline(to) {
		return false
	}

	n, err := s.pusher.PushToUser(to, protocol.TypingMessage{
		BaseMessage: protocol.NewBase(protocol.TypeTyping),
		From:        from,
		To:          to,
		Typing:      typing,
	})
	if err != nil {
		s.logger.Error("failed to relay typing", "from", from, "to", to, "error", err)
		return false
	}
	if n > 0 {
		s.metrics.Pushes.WithLabelValues(protocol.TypeTyping).Inc()
	}
	return n > 0
}

func (s *Service) forwardReadReceipt(readerID, senderID, messageID string) {
	n, err := s.pusher.PushToUser(senderID, protocol.ReadReceiptMessage{
		BaseMessage: protocol.NewBase(protocol.TypeReadReceipt),
		MessageID:   messageID,
		ReaderID:    readerID,
		SenderID:    senderID,
	})
	if err != nil {
		s.logger.Error("failed to forward read receipt", "message_id", messageID, "error", err)
		return
	}
	if n > 0 {
		s.metrics.Pushes.WithLabelValues(protocol.TypeReadReceipt).Inc()
	}
}
