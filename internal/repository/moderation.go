package repository

import (
	"context"
	"errors"

	"huddle/internal/models"

	"gorm.io/gorm"
)

// ModerationRepository defines storage for bans and the moderation audit log.
type ModerationRepository interface {
	GetBan(ctx context.Context, convID, userID uint) (*models.ChannelBan, error)
	// ReplaceBan writes ban, overwriting any previous row for the same user and conversation.
	ReplaceBan(ctx context.Context, ban *models.ChannelBan) error
	DeleteBan(ctx context.Context, convID, userID uint) (int64, error)

	AppendAction(ctx context.Context, action *models.ModerationAction) error
	// LatestMuteAction returns the newest MUTE or UNMUTE for the user, or nil when there is none.
	LatestMuteAction(ctx context.Context, convID, userID uint) (*models.ModerationAction, error)
	ListActions(ctx context.Context, convID uint, limit int) ([]models.ModerationAction, error)
}

type moderationRepository struct {
	db *gorm.DB
}

// NewModerationRepository creates a new moderation repository
func NewModerationRepository(db *gorm.DB) ModerationRepository {
	return &moderationRepository{db: db}
}

func (r *moderationRepository) GetBan(ctx context.Context, convID, userID uint) (*models.ChannelBan, error) {
	var ban models.ChannelBan
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		First(&ban).Error
	if err != nil {
		return nil, err
	}
	return &ban, nil
}

func (r *moderationRepository) ReplaceBan(ctx context.Context, ban *models.ChannelBan) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("conversation_id = ? AND user_id = ?", ban.ConversationID, ban.UserID).
		Delete(&models.ChannelBan{}).Error; err != nil {
		return err
	}
	return db.Create(ban).Error
}

func (r *moderationRepository) DeleteBan(ctx context.Context, convID, userID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Delete(&models.ChannelBan{})
	return res.RowsAffected, res.Error
}

func (r *moderationRepository) AppendAction(ctx context.Context, action *models.ModerationAction) error {
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *moderationRepository) LatestMuteAction(ctx context.Context, convID, userID uint) (*models.ModerationAction, error) {
	var action models.ModerationAction
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND target_user_id = ? AND action IN ?", convID, userID,
			[]models.ModerationActionType{models.ActionMute, models.ActionUnmute}).
		Order("created_at DESC, id DESC").
		First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (r *moderationRepository) ListActions(ctx context.Context, convID uint, limit int) ([]models.ModerationAction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var actions []models.ModerationAction
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}
