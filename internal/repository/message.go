package repository

import (
	"context"
	"time"

	"huddle/internal/models"

	"gorm.io/gorm"
)

// MessageRepository defines message storage. Reads skip soft-deleted rows.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	UpdateContent(ctx context.Context, id uint, content string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id uint) (int64, error)
	GetMany(ctx context.Context, ids []uint) ([]models.Message, error)
	// LastInWindow returns the newest message at or before upToID (the newest overall when nil), or nil.
	LastInWindow(ctx context.Context, convID uint, upToID *uint) (*models.Message, error)
	// UnreadIDsInWindow lists, in creation order, messages at or before upToID that were sent by
	// someone other than readerID and carry no READ receipt for readerID.
	UnreadIDsInWindow(ctx context.Context, convID, readerID uint, upToID *uint) ([]uint, error)
	// CountUnread counts messages by other senders after the message afterID (all when nil).
	CountUnread(ctx context.Context, convID, readerID uint, afterID *uint) (int64, error)
	List(ctx context.Context, convID uint, beforeID *uint, limit int) ([]models.Message, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *messageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, id uint, content string, editedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": content, "edited_at": editedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *messageRepository) SoftDelete(ctx context.Context, id uint) (int64, error) {
	res := r.db.WithContext(ctx).Delete(&models.Message{}, id)
	return res.RowsAffected, res.Error
}

// after restricts q to messages strictly after message id in (created_at, id) order.
func after(q *gorm.DB, id uint) *gorm.DB {
	ts := "(SELECT m.created_at FROM messages m WHERE m.id = ?)"
	return q.Where("(messages.created_at > "+ts+" OR (messages.created_at = "+ts+" AND messages.id > ?))", id, id, id)
}

// atOrBefore restricts q to messages at or before message id in (created_at, id) order.
func atOrBefore(q *gorm.DB, id uint) *gorm.DB {
	ts := "(SELECT m.created_at FROM messages m WHERE m.id = ?)"
	return q.Where("(messages.created_at < "+ts+" OR (messages.created_at = "+ts+" AND messages.id <= ?))", id, id, id)
}

func (r *messageRepository) GetMany(ctx context.Context, ids []uint) ([]models.Message, error) {
	var msgs []models.Message
	if len(ids) == 0 {
		return msgs, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at ASC, id ASC").Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) LastInWindow(ctx context.Context, convID uint, upToID *uint) (*models.Message, error) {
	q := r.db.WithContext(ctx).Model(&models.Message{}).Where("messages.conversation_id = ?", convID)
	if upToID != nil {
		q = atOrBefore(q, *upToID)
	}
	var msgs []models.Message
	if err := q.Order("messages.created_at DESC, messages.id DESC").Limit(1).Find(&msgs).Error; err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (r *messageRepository) UnreadIDsInWindow(ctx context.Context, convID, readerID uint, upToID *uint) ([]uint, error) {
	q := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("messages.conversation_id = ? AND messages.sender_id <> ?", convID, readerID).
		Where("NOT EXISTS (SELECT 1 FROM message_receipts mr WHERE mr.message_id = messages.id AND mr.user_id = ? AND mr.status = ?)",
			readerID, models.ReceiptRead)
	if upToID != nil {
		q = atOrBefore(q, *upToID)
	}
	var ids []uint
	err := q.Order("messages.created_at ASC, messages.id ASC").Pluck("messages.id", &ids).Error
	return ids, err
}

func (r *messageRepository) CountUnread(ctx context.Context, convID, readerID uint, afterID *uint) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("messages.conversation_id = ? AND messages.sender_id <> ?", convID, readerID)
	if afterID != nil {
		q = after(q, *afterID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (r *messageRepository) List(ctx context.Context, convID uint, beforeID *uint, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Model(&models.Message{}).Where("messages.conversation_id = ?", convID)
	if beforeID != nil {
		q = q.Where("messages.id < ?", *beforeID)
	}
	var msgs []models.Message
	err := q.Order("messages.created_at DESC, messages.id DESC").Limit(limit).Find(&msgs).Error
	return msgs, err
}
