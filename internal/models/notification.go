package models

import "time"

// NotificationType classifies a user notification.
type NotificationType string

// Notification types.
const (
	NotificationMessage    NotificationType = "message"
	NotificationInvitation NotificationType = "invitation"
	NotificationRoleChange NotificationType = "role_changed"
	NotificationModeration NotificationType = "moderation"
)

// Notification is an item in a user's notification inbox.
type Notification struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	UserID         uint             `gorm:"not null;index:idx_notifications_user_read,priority:1" json:"user_id"`
	Type           NotificationType `gorm:"type:varchar(32);not null" json:"type"`
	ConversationID *uint            `json:"conversation_id,omitempty"`
	MessageID      *uint            `json:"message_id,omitempty"`
	ActorID        *uint            `json:"actor_id,omitempty"`
	Body           string           `gorm:"type:text" json:"body"`
	Read           bool             `gorm:"default:false;index:idx_notifications_user_read,priority:2" json:"read"`
	CreatedAt      time.Time        `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (Notification) TableName() string {
	return "notifications"
}
