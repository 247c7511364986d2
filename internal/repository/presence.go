package repository

import (
	"context"
	"time"

	"huddle/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PresenceRepository defines durable presence storage.
type PresenceRepository interface {
	SetStatus(ctx context.Context, userID uint, status models.PresenceStatus, lastSeen time.Time) error
	Touch(ctx context.Context, userID uint, lastSeen time.Time) error
	Get(ctx context.Context, userID uint) (*models.UserPresence, error)
	GetMany(ctx context.Context, userIDs []uint) ([]models.UserPresence, error)
}

type presenceRepository struct {
	db *gorm.DB
}

// NewPresenceRepository creates a new presence repository
func NewPresenceRepository(db *gorm.DB) PresenceRepository {
	return &presenceRepository{db: db}
}

func (r *presenceRepository) SetStatus(ctx context.Context, userID uint, status models.PresenceStatus, lastSeen time.Time) error {
	rec := models.UserPresence{UserID: userID, Status: status, LastSeenAt: lastSeen}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_seen_at", "updated_at"}),
	}).Create(&rec).Error
}

func (r *presenceRepository) Touch(ctx context.Context, userID uint, lastSeen time.Time) error {
	rec := models.UserPresence{UserID: userID, Status: models.PresenceOnline, LastSeenAt: lastSeen}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "updated_at"}),
	}).Create(&rec).Error
}

func (r *presenceRepository) Get(ctx context.Context, userID uint) (*models.UserPresence, error) {
	var rec models.UserPresence
	if err := r.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *presenceRepository) GetMany(ctx context.Context, userIDs []uint) ([]models.UserPresence, error) {
	var recs []models.UserPresence
	if len(userIDs) == 0 {
		return recs, nil
	}
	err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&recs).Error
	return recs, err
}
