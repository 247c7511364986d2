package models

import "time"

// PresenceStatus is the durable online status of a user.
type PresenceStatus string

const (
	// PresenceOnline means at least one live session, or a grace period still running.
	PresenceOnline PresenceStatus = "ONLINE"
	// PresenceOffline means no live sessions after the grace period.
	PresenceOffline PresenceStatus = "OFFLINE"
)

// UserPresence is the persisted presence record of a user.
type UserPresence struct {
	UserID     uint           `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Status     PresenceStatus `gorm:"type:varchar(16);not null;default:'OFFLINE'" json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (UserPresence) TableName() string {
	return "user_presences"
}
