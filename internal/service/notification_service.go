package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"huddle/internal/models"
	"huddle/internal/observability"
	"huddle/internal/queue"
	"huddle/internal/repository"

	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

const notificationPreviewLen = 140

// NotificationService owns the notification inbox and keeps each user's unread badge current.
type NotificationService struct {
	store *repository.Store
	perms *PermissionService
	rt    Realtime
}

// NewNotificationService returns a NotificationService.
func NewNotificationService(store *repository.Store, perms *PermissionService, rt Realtime) *NotificationService {
	return &NotificationService{store: store, perms: perms, rt: rt.withDefaults()}
}

// Notify stores notifications and pushes them, with fresh unread counts, to their users.
func (s *NotificationService) Notify(ctx context.Context, notifications []models.Notification) {
	if len(notifications) == 0 {
		return
	}
	if err := s.store.Notifications.Create(ctx, notifications); err != nil {
		observability.LogAsyncOperationError(ctx, "create_notifications", err,
			slog.Int("count", len(notifications)))
		return
	}

	seen := make(map[uint]bool, len(notifications))
	for i := range notifications {
		n := notifications[i]
		s.rt.Events.EmitToUser(ctx, n.UserID, models.EventNotificationCreated, n)
		seen[n.UserID] = true
	}
	for uid := range seen {
		s.emitCount(ctx, uid)
	}
}

func (s *NotificationService) emitCount(ctx context.Context, userID uint) {
	count, err := s.store.Notifications.CountUnread(ctx, userID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "count_notifications", err,
			slog.Uint64("user_id", uint64(userID)))
		return
	}
	s.rt.Events.EmitToUser(ctx, userID, models.EventNotificationCountUpdated, models.NotificationCountUpdated{Count: count})
}

// HandleTask is the queue handler for TaskMessageCreated.
func (s *NotificationService) HandleTask(ctx context.Context, task queue.Task) error {
	id := gjson.GetBytes(task.Payload, "message_id")
	if !id.Exists() || id.Uint() == 0 {
		return fmt.Errorf("task %s: missing message_id", task.Type)
	}
	return s.HandleMessageCreated(ctx, uint(id.Uint()))
}

// HandleMessageCreated notifies members who are not looking at the conversation.
// Banned members and the sender are skipped. A message deleted in the meantime is ignored.
func (s *NotificationService) HandleMessageCreated(ctx context.Context, messageID uint) error {
	msg, err := s.store.Messages.GetByID(ctx, messageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	members, err := s.store.Conversations.MemberUserIDs(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	viewers := s.rt.Viewers.ActiveViewers(msg.ConversationID)

	preview := msg.Content
	if r := []rune(preview); len(r) > notificationPreviewLen {
		preview = string(r[:notificationPreviewLen]) + "…"
	}

	out := make([]models.Notification, 0, len(members))
	for _, uid := range members {
		if uid == msg.SenderID || viewers[uid] {
			continue
		}
		banned, err := s.perms.IsActivelyBanned(ctx, msg.ConversationID, uid)
		if err != nil {
			return err
		}
		if banned {
			continue
		}
		convID, msgID, sender := msg.ConversationID, msg.ID, msg.SenderID
		out = append(out, models.Notification{
			UserID:         uid,
			Type:           models.NotificationMessage,
			ConversationID: &convID,
			MessageID:      &msgID,
			ActorID:        &sender,
			Body:           preview,
		})
	}
	s.Notify(ctx, out)
	return nil
}

// UnreadCount returns the user's unread notification count.
func (s *NotificationService) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	n, err := s.store.Notifications.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}

// List returns the user's newest notifications.
func (s *NotificationService) List(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.Notification, error) {
	items, err := s.store.Notifications.List(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

// MarkRead marks ids (all when empty) read and pushes the new count.
func (s *NotificationService) MarkRead(ctx context.Context, userID uint, ids []uint) (int64, error) {
	n, err := s.store.Notifications.MarkRead(ctx, userID, uniqueIDs(ids))
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	if n > 0 {
		s.emitCount(ctx, userID)
	}
	return n, nil
}
