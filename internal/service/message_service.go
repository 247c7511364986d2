package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"huddle/internal/models"
	"huddle/internal/observability"
	"huddle/internal/queue"
	"huddle/internal/repository"
)

const maxMessageContentLen = 4000

// TaskMessageCreated is the background task enqueued after a message is stored.
const TaskMessageCreated = "message:created"

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	UserID         uint
	ConversationID uint
	Content        string
	MessageType    string
}

// MessageService stores messages and hands their side effects to receipts, fan-out
// and the notification queue.
type MessageService struct {
	store      *repository.Store
	perms      *PermissionService
	receipts   *ReceiptService
	rt         Realtime
	tasks      queue.Client
	moderation *ModerationService
	now        Clock
}

// NewMessageService returns a MessageService. tasks may be nil.
func NewMessageService(store *repository.Store, perms *PermissionService, receipts *ReceiptService, rt Realtime, tasks queue.Client) *MessageService {
	return &MessageService{
		store:    store,
		perms:    perms,
		receipts: receipts,
		rt:       rt.withDefaults(),
		tasks:    tasks,
		now:      perms.now,
	}
}

// SetModeration routes deletions of other people's messages through the moderation log.
func (s *MessageService) SetModeration(m *ModerationService) {
	s.moderation = m
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", models.NewValidationError("Message content is required")
	}
	if utf8.RuneCountInString(content) > maxMessageContentLen {
		return "", models.NewValidationError(fmt.Sprintf("Message content too long (max %d characters)", maxMessageContentLen))
	}
	return content, nil
}

// SendMessage authorizes, stores and announces a new message.
func (s *MessageService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	content, err := normalizeContent(in.Content)
	if err != nil {
		return nil, err
	}
	if in.MessageType == "" {
		in.MessageType = "text"
	}

	msg := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.UserID,
		Content:        content,
		MessageType:    in.MessageType,
	}
	var readers []uint
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		conv, err := tx.Conversations.GetByID(ctx, in.ConversationID)
		if err != nil {
			return lookupErr(err, "Conversation", in.ConversationID)
		}
		if err := s.perms.Tx(tx).AuthorizeSend(ctx, conv, in.UserID); err != nil {
			return err
		}
		if err := tx.Messages.Create(ctx, msg); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		readers, err = s.receipts.CreateReceiptsOnSend(ctx, tx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rt.Events.EmitToConversation(ctx, msg.ConversationID, models.EventMessageCreated, msg)
	for _, uid := range readers {
		id := msg.ID
		s.rt.Events.EmitToConversation(ctx, msg.ConversationID, models.EventReceiptUpdated, models.ReceiptUpdate{
			ConversationID:    msg.ConversationID,
			UserID:            uid,
			LastReadMessageID: &id,
			MessagesAffected:  1,
			Timestamp:         s.now(),
		})
	}
	s.enqueueCreated(ctx, msg)
	return msg, nil
}

func (s *MessageService) enqueueCreated(ctx context.Context, msg *models.Message) {
	if s.tasks == nil {
		return
	}
	payload, err := json.Marshal(map[string]uint{"message_id": msg.ID})
	if err != nil {
		return
	}
	err = s.tasks.Enqueue(ctx, queue.Task{Type: TaskMessageCreated, Payload: payload},
		queue.OnQueue(queue.QueueRealtime),
		queue.MaxRetry(3),
		queue.Timeout(30*time.Second),
	)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "enqueue_message_created", err,
			slog.Uint64("message_id", uint64(msg.ID)))
	}
}

// EditMessage replaces the content of a message its author wrote.
func (s *MessageService) EditMessage(ctx context.Context, userID, messageID uint, content string) (*models.Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, lookupErr(err, "Message", messageID)
	}
	if msg.SenderID != userID {
		return nil, models.NewForbiddenError("Only the author can edit this message")
	}
	editedAt := s.now()
	if err := s.store.Messages.UpdateContent(ctx, messageID, content, editedAt); err != nil {
		return nil, lookupErr(err, "Message", messageID)
	}
	msg.Content = content
	msg.EditedAt = &editedAt

	s.rt.Events.EmitToConversation(ctx, msg.ConversationID, models.EventMessageEdited, msg)
	return msg, nil
}

// DeleteMessage soft-deletes a message. Authors delete directly; managers go through
// the moderation engine so the deletion is audited.
func (s *MessageService) DeleteMessage(ctx context.Context, userID, messageID uint) error {
	msg, err := s.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return lookupErr(err, "Message", messageID)
	}
	ok, err := s.perms.CanModerateMessage(ctx, userID, msg)
	if err != nil {
		return err
	}
	if !ok {
		return models.NewForbiddenError("You cannot delete this message")
	}

	if msg.SenderID != userID && s.moderation != nil {
		_, err := s.moderation.Apply(ctx, ModerationRequest{
			ActorID:        userID,
			ConversationID: msg.ConversationID,
			Action:         string(models.ActionDeleteMessage),
			MessageID:      &msg.ID,
		})
		return err
	}

	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		return s.SoftDeleteTx(ctx, tx, msg)
	})
	if err != nil {
		return err
	}
	s.rt.Events.EmitToConversation(ctx, msg.ConversationID, models.EventMessageDeleted, models.MessageDeleted{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		DeletedBy:      userID,
	})
	return nil
}

// SoftDeleteTx soft-deletes msg inside tx.
func (s *MessageService) SoftDeleteTx(ctx context.Context, tx *repository.Store, msg *models.Message) error {
	n, err := tx.Messages.SoftDelete(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n == 0 {
		return models.NewNotFoundError("Message", msg.ID)
	}
	return nil
}

// ListMessages pages backwards through a conversation for one of its viewers.
func (s *MessageService) ListMessages(ctx context.Context, convID, userID uint, beforeID *uint, limit int) ([]models.Message, error) {
	ok, err := s.perms.CanViewConversation(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewForbiddenError("You cannot view this conversation")
	}
	msgs, err := s.store.Messages.List(ctx, convID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
