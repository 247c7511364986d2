package repository

import (
	"context"
	"time"

	"huddle/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const receiptBatchSize = 500

// ReceiptRepository defines per-recipient receipt storage. Status never moves backward.
type ReceiptRepository interface {
	// Upsert inserts receipts or raises existing ones to the higher status.
	Upsert(ctx context.Context, receipts []models.MessageReceipt) error
	// MarkRead raises the user's receipts for messageIDs to READ and reports how many changed.
	MarkRead(ctx context.Context, userID uint, messageIDs []uint, at time.Time) (int64, error)
	// MarkDelivered raises the user's receipts for messageIDs to at least DELIVERED and reports how many changed.
	MarkDelivered(ctx context.Context, userID uint, messageIDs []uint, at time.Time) (int64, error)
	Get(ctx context.Context, messageID, userID uint) (*models.MessageReceipt, error)
	Stats(ctx context.Context, messageID uint) (*models.ReadStats, error)
}

type receiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a new receipt repository
func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

func monotonicUpsert() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":       gorm.Expr("CASE WHEN excluded.status > message_receipts.status THEN excluded.status ELSE message_receipts.status END"),
			"delivered_at": gorm.Expr("COALESCE(message_receipts.delivered_at, excluded.delivered_at)"),
			"seen_at":      gorm.Expr("COALESCE(message_receipts.seen_at, excluded.seen_at)"),
			"updated_at":   gorm.Expr("excluded.updated_at"),
		}),
	}
}

func (r *receiptRepository) Upsert(ctx context.Context, receipts []models.MessageReceipt) error {
	if len(receipts) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(monotonicUpsert()).
		CreateInBatches(&receipts, receiptBatchSize).Error
}

// raise moves existing rows below status up to it, then inserts the missing ones.
// Both statements only count rows they actually changed.
func (r *receiptRepository) raise(ctx context.Context, userID uint, messageIDs []uint, status models.ReceiptStatus, at time.Time) (int64, error) {
	db := r.db.WithContext(ctx)
	var changed int64

	for start := 0; start < len(messageIDs); start += receiptBatchSize {
		end := min(start+receiptBatchSize, len(messageIDs))
		batch := messageIDs[start:end]

		updates := map[string]interface{}{
			"status":       status,
			"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
		}
		if status == models.ReceiptRead {
			updates["seen_at"] = at
		}
		res := db.Model(&models.MessageReceipt{}).
			Where("user_id = ? AND message_id IN ? AND status < ?", userID, batch, status).
			Updates(updates)
		if res.Error != nil {
			return changed, res.Error
		}
		changed += res.RowsAffected

		rows := make([]models.MessageReceipt, 0, len(batch))
		for _, id := range batch {
			rec := models.MessageReceipt{MessageID: id, UserID: userID, Status: status, DeliveredAt: &at}
			if status == models.ReceiptRead {
				rec.SeenAt = &at
			}
			rows = append(rows, rec)
		}
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if res.Error != nil {
			return changed, res.Error
		}
		changed += res.RowsAffected
	}
	return changed, nil
}

func (r *receiptRepository) MarkRead(ctx context.Context, userID uint, messageIDs []uint, at time.Time) (int64, error) {
	return r.raise(ctx, userID, messageIDs, models.ReceiptRead, at)
}

func (r *receiptRepository) MarkDelivered(ctx context.Context, userID uint, messageIDs []uint, at time.Time) (int64, error) {
	return r.raise(ctx, userID, messageIDs, models.ReceiptDelivered, at)
}

func (r *receiptRepository) Get(ctx context.Context, messageID, userID uint) (*models.MessageReceipt, error) {
	var rec models.MessageReceipt
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *receiptRepository) Stats(ctx context.Context, messageID uint) (*models.ReadStats, error) {
	db := r.db.WithContext(ctx)

	var rows []struct {
		Status models.ReceiptStatus
		Count  int
	}
	err := db.Model(&models.MessageReceipt{}).
		Select("status, COUNT(*) AS count").
		Where("message_id = ?", messageID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &models.ReadStats{MessageID: messageID, Readers: []models.Reader{}}
	for _, row := range rows {
		switch row.Status {
		case models.ReceiptSent:
			stats.Sent = row.Count
		case models.ReceiptDelivered:
			stats.Delivered = row.Count
		case models.ReceiptRead:
			stats.Read = row.Count
		}
	}

	var readers []models.MessageReceipt
	err = db.Where("message_id = ? AND status = ?", messageID, models.ReceiptRead).
		Order("seen_at ASC, user_id ASC").
		Find(&readers).Error
	if err != nil {
		return nil, err
	}
	for _, rec := range readers {
		stats.Readers = append(stats.Readers, models.Reader{UserID: rec.UserID, SeenAt: rec.SeenAt})
	}
	return stats, nil
}
