package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrAppendOnly is returned when code tries to rewrite the moderation log.
var ErrAppendOnly = errors.New("moderation actions are append-only")

// ChannelBan stores conversation-scoped bans.
type ChannelBan struct {
	ConversationID uint       `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	UserID         uint       `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	BannedByUserID uint       `gorm:"not null;index" json:"banned_by_user_id"`
	Reason         string     `gorm:"type:text;default:''" json:"reason"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TableName specifies the table name for GORM.
func (ChannelBan) TableName() string {
	return "channel_bans"
}

// ActiveAt reports whether the ban applies at t.
func (b *ChannelBan) ActiveAt(t time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(t)
}

// ModerationActionType names a moderation action.
type ModerationActionType string

// Moderation actions.
const (
	ActionBan           ModerationActionType = "BAN"
	ActionUnban         ModerationActionType = "UNBAN"
	ActionMute          ModerationActionType = "MUTE"
	ActionUnmute        ModerationActionType = "UNMUTE"
	ActionDeleteMessage ModerationActionType = "DELETE_MESSAGE"
	ActionMakeAdmin     ModerationActionType = "MAKE_ADMIN"
	ActionRemoveAdmin   ModerationActionType = "REMOVE_ADMIN"
)

// ModerationAction is one immutable entry of a conversation's audit log.
type ModerationAction struct {
	ID             uint                 `gorm:"primaryKey" json:"id"`
	ConversationID uint                 `gorm:"not null;index:idx_moderation_target,priority:1" json:"conversation_id"`
	TargetUserID   *uint                `gorm:"index:idx_moderation_target,priority:2" json:"target_user_id,omitempty"`
	Action         ModerationActionType `gorm:"type:varchar(32);not null" json:"action"`
	ActorID        uint                 `gorm:"not null;index" json:"actor_id"`
	MessageID      *uint                `json:"message_id,omitempty"`
	Reason         string               `gorm:"type:text;default:''" json:"reason,omitempty"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	CreatedAt      time.Time            `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for GORM.
func (ModerationAction) TableName() string {
	return "moderation_actions"
}

// BeforeUpdate rejects in-place edits of the log.
func (*ModerationAction) BeforeUpdate(_ *gorm.DB) error {
	return ErrAppendOnly
}

// BeforeDelete rejects removal of log entries.
func (*ModerationAction) BeforeDelete(_ *gorm.DB) error {
	return ErrAppendOnly
}
