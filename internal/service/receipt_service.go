package service

import (
	"context"
	"fmt"

	"huddle/internal/models"
	"huddle/internal/observability"
	"huddle/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

// ReceiptService tracks per-recipient delivery and read state and derives unread counts.
type ReceiptService struct {
	store *repository.Store
	perms *PermissionService
	rt    Realtime
	now   Clock
}

// NewReceiptService returns a ReceiptService.
func NewReceiptService(store *repository.Store, perms *PermissionService, rt Realtime) *ReceiptService {
	return &ReceiptService{store: store, perms: perms, rt: rt.withDefaults(), now: perms.now}
}

// CreateReceiptsOnSend writes one receipt per recipient of msg inside the sending
// transaction. Members actively viewing the conversation get READ and their read
// pointer moves to msg; everyone else gets SENT. It returns the auto-read users.
func (s *ReceiptService) CreateReceiptsOnSend(ctx context.Context, tx *repository.Store, msg *models.Message) ([]uint, error) {
	members, err := tx.Conversations.MemberUserIDs(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	viewers := s.rt.Viewers.ActiveViewers(msg.ConversationID)
	at := s.now()

	receipts := make([]models.MessageReceipt, 0, len(members))
	var readers []uint
	for _, uid := range members {
		if uid == msg.SenderID {
			continue
		}
		rec := models.MessageReceipt{MessageID: msg.ID, UserID: uid, Status: models.ReceiptSent}
		if viewers[uid] {
			rec.Status = models.ReceiptRead
			rec.DeliveredAt = &at
			rec.SeenAt = &at
			readers = append(readers, uid)
		}
		receipts = append(receipts, rec)
	}
	if err := tx.Receipts.Upsert(ctx, receipts); err != nil {
		return nil, fmt.Errorf("write receipts: %w", err)
	}
	for _, uid := range readers {
		if _, err := tx.Conversations.AdvanceLastRead(ctx, msg.ConversationID, uid, msg.ID); err != nil {
			return nil, fmt.Errorf("advance read pointer: %w", err)
		}
	}
	return readers, nil
}

// requireViewer fails unless userID is a member of convID without an active ban.
func (s *ReceiptService) requireViewer(ctx context.Context, convID, userID uint) error {
	if _, err := s.store.Conversations.GetByID(ctx, convID); err != nil {
		return lookupErr(err, "Conversation", convID)
	}
	ok, err := s.perms.CanViewConversation(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return models.NewForbiddenError("You cannot view this conversation")
	}
	return nil
}

// MarkRead marks every message from others up to upToID (or the newest message when
// nil) as READ and moves the member's read pointer to the last message in that range.
// An empty range is a zero result, not an error.
func (s *ReceiptService) MarkRead(ctx context.Context, convID, userID uint, upToID *uint) (result *models.MarkReadResult, err error) {
	span, ctx := observability.NewSpan(ctx, "receipts.mark_read",
		observability.ConversationAttr(convID),
	)
	defer span.Finish(&err)

	if err := s.requireViewer(ctx, convID, userID); err != nil {
		return nil, err
	}
	if upToID != nil {
		cursor, err := s.store.Messages.GetByID(ctx, *upToID)
		if err != nil {
			return nil, lookupErr(err, "Message", *upToID)
		}
		if cursor.ConversationID != convID {
			return nil, models.NewValidationError("Message does not belong to this conversation")
		}
	}

	last, err := s.store.Messages.LastInWindow(ctx, convID, upToID)
	if err != nil {
		return nil, fmt.Errorf("resolve read window: %w", err)
	}
	if last == nil {
		return &models.MarkReadResult{}, nil
	}
	unread, err := s.store.Messages.UnreadIDsInWindow(ctx, convID, userID, upToID)
	if err != nil {
		return nil, fmt.Errorf("resolve unread messages: %w", err)
	}

	var affected int64
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		if affected, err = tx.Receipts.MarkRead(ctx, userID, unread, s.now()); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		if _, err = tx.Conversations.AdvanceLastRead(ctx, convID, userID, last.ID); err != nil {
			return fmt.Errorf("advance read pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lastID := last.ID
	result = &models.MarkReadResult{MessagesAffected: int(affected), LastMessageID: &lastID}
	span.AddAttributes(attribute.Int64("receipts.affected", affected))
	if affected > 0 {
		observability.ReceiptsMarkedRead.Add(float64(affected))
		s.rt.Events.EmitToConversation(ctx, convID, models.EventReceiptUpdated, models.ReceiptUpdate{
			ConversationID:    convID,
			UserID:            userID,
			LastReadMessageID: &lastID,
			MessagesAffected:  result.MessagesAffected,
			Timestamp:         s.now(),
		})
	}
	return result, nil
}

// GetUnreadCount counts messages from others after the member's read pointer, or all
// of them when the member has never read anything.
func (s *ReceiptService) GetUnreadCount(ctx context.Context, convID, userID uint) (int64, error) {
	member, err := s.perms.membership(ctx, convID, userID)
	if err != nil {
		return 0, err
	}
	if member == nil {
		return 0, models.NewForbiddenError("You are not a member of this conversation")
	}
	n, err := s.store.Messages.CountUnread(ctx, convID, userID, member.LastReadMessageID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// GetReadStats aggregates a message's receipts for a member of its conversation.
func (s *ReceiptService) GetReadStats(ctx context.Context, messageID, actorID uint) (*models.ReadStats, error) {
	msg, err := s.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, lookupErr(err, "Message", messageID)
	}
	member, err := s.perms.membership(ctx, msg.ConversationID, actorID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, models.NewForbiddenError("You are not a member of this conversation")
	}
	stats, err := s.store.Receipts.Stats(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load read stats: %w", err)
	}
	return stats, nil
}

// MarkDelivered raises the user's receipts for messageIDs to at least DELIVERED.
// Messages the user wrote, or that sit in conversations they cannot view, are skipped.
func (s *ReceiptService) MarkDelivered(ctx context.Context, userID uint, messageIDs []uint) (int64, error) {
	messageIDs = uniqueIDs(messageIDs)
	if len(messageIDs) == 0 {
		return 0, nil
	}
	msgs, err := s.store.Messages.GetMany(ctx, messageIDs)
	if err != nil {
		return 0, fmt.Errorf("load messages: %w", err)
	}

	byConversation := make(map[uint][]uint)
	var order []uint
	for _, m := range msgs {
		if m.SenderID == userID {
			continue
		}
		if _, ok := byConversation[m.ConversationID]; !ok {
			order = append(order, m.ConversationID)
		}
		byConversation[m.ConversationID] = append(byConversation[m.ConversationID], m.ID)
	}

	var total int64
	for _, convID := range order {
		ok, err := s.perms.CanViewConversation(ctx, convID, userID)
		if err != nil {
			return total, err
		}
		if !ok {
			continue
		}
		ids := byConversation[convID]
		at := s.now()
		changed, err := s.store.Receipts.MarkDelivered(ctx, userID, ids, at)
		if err != nil {
			return total, fmt.Errorf("mark delivered: %w", err)
		}
		total += changed
		if changed > 0 {
			s.rt.Events.EmitToConversation(ctx, convID, models.EventMessageDelivered, models.DeliveryUpdate{
				ConversationID: convID,
				UserID:         userID,
				MessageIDs:     ids,
				Timestamp:      at,
			})
		}
	}
	return total, nil
}
