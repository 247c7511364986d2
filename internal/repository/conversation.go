package repository

import (
	"context"

	"huddle/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository defines the interface for conversation and membership data operations
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation, owners ...uint) error
	GetByID(ctx context.Context, id uint) (*models.Conversation, error)
	// LockForUpdate reads the conversation row with a write lock held until the transaction ends.
	LockForUpdate(ctx context.Context, id uint) (*models.Conversation, error)

	GetMember(ctx context.Context, convID, userID uint) (*models.ConversationMember, error)
	ListMembers(ctx context.Context, convID uint) ([]models.ConversationMember, error)
	MemberUserIDs(ctx context.Context, convID uint) ([]uint, error)
	MembersAmong(ctx context.Context, convID uint, userIDs []uint) ([]uint, error)
	AddMembers(ctx context.Context, members []models.ConversationMember) error
	RemoveMember(ctx context.Context, convID, userID uint) (int64, error)
	UpdateRole(ctx context.Context, convID, userID uint, role models.MemberRole) error
	CountByRole(ctx context.Context, convID uint, role models.MemberRole) (int64, error)
	ConversationIDsForUser(ctx context.Context, userID uint) ([]uint, error)
	// AdvanceLastRead moves the read pointer to messageID only if that is further along.
	AdvanceLastRead(ctx context.Context, convID, userID, messageID uint) (bool, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation, owners ...uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		if len(owners) == 0 {
			return nil
		}
		role := models.RoleOwner
		if conv.IsDirect() {
			role = models.RoleMember
		}
		members := make([]models.ConversationMember, 0, len(owners))
		for _, uid := range owners {
			members = append(members, models.ConversationMember{
				ConversationID: conv.ID,
				UserID:         uid,
				Role:           role,
				JoinedAt:       tx.NowFunc(),
			})
		}
		return tx.Create(&members).Error
	})
}

func (r *conversationRepository) GetByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) LockForUpdate(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) GetMember(ctx context.Context, convID, userID uint) (*models.ConversationMember, error) {
	var member models.ConversationMember
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		First(&member).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *conversationRepository) ListMembers(ctx context.Context, convID uint) ([]models.ConversationMember, error) {
	var members []models.ConversationMember
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("conversation_id = ?", convID).
		Order("joined_at ASC, user_id ASC").
		Find(&members).Error
	return members, err
}

func (r *conversationRepository) MemberUserIDs(ctx context.Context, convID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ?", convID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *conversationRepository) MembersAmong(ctx context.Context, convID uint, userIDs []uint) ([]uint, error) {
	var ids []uint
	if len(userIDs) == 0 {
		return ids, nil
	}
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id IN ?", convID, userIDs).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *conversationRepository) AddMembers(ctx context.Context, members []models.ConversationMember) error {
	if len(members) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&members).Error
}

func (r *conversationRepository) RemoveMember(ctx context.Context, convID, userID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Delete(&models.ConversationMember{})
	return res.RowsAffected, res.Error
}

func (r *conversationRepository) UpdateRole(ctx context.Context, convID, userID uint, role models.MemberRole) error {
	res := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("role", role)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *conversationRepository) CountByRole(ctx context.Context, convID uint, role models.MemberRole) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND role = ?", convID, role).
		Count(&n).Error
	return n, err
}

func (r *conversationRepository) ConversationIDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("user_id = ?", userID).
		Order("conversation_id ASC").
		Pluck("conversation_id", &ids).Error
	return ids, err
}

func (r *conversationRepository) AdvanceLastRead(ctx context.Context, convID, userID, messageID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Where("last_read_message_id IS NULL OR EXISTS (SELECT 1 FROM messages n, messages o"+
			" WHERE n.id = ? AND o.id = conversation_members.last_read_message_id"+
			" AND (n.created_at > o.created_at OR (n.created_at = o.created_at AND n.id > o.id)))", messageID).
		Update("last_read_message_id", messageID)
	return res.RowsAffected > 0, res.Error
}
