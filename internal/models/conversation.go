package models

import "time"

// ConversationType distinguishes direct messages from rooms with role semantics.
type ConversationType string

const (
	// ConversationDirect is a two-party conversation without roles or membership changes.
	ConversationDirect ConversationType = "direct"
	// ConversationGroup is a private multi-member conversation.
	ConversationGroup ConversationType = "group"
	// ConversationChannel is a named multi-member conversation.
	ConversationChannel ConversationType = "channel"
)

// Conversation is a message scope: a direct chat, a group or a channel.
type Conversation struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	Type      ConversationType `gorm:"type:varchar(16);not null;default:'group'" json:"type"`
	Name      string           `json:"name"`
	ReadOnly  bool             `gorm:"default:false" json:"read_only"`
	CreatedBy uint             `gorm:"index" json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// IsDirect reports whether the conversation has no role semantics.
func (c *Conversation) IsDirect() bool {
	return c.Type == ConversationDirect
}

// MemberRole is a position in the OWNER > ADMIN > MEMBER hierarchy.
type MemberRole string

const (
	// RoleOwner can do everything, including promoting admins.
	RoleOwner MemberRole = "OWNER"
	// RoleAdmin manages members and moderates.
	RoleAdmin MemberRole = "ADMIN"
	// RoleMember participates.
	RoleMember MemberRole = "MEMBER"
)

// Rank orders roles; unknown roles rank 0.
func (r MemberRole) Rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the known roles.
func (r MemberRole) Valid() bool {
	return r.Rank() > 0
}

// Elevated reports whether the role may manage members.
func (r MemberRole) Elevated() bool {
	return r == RoleOwner || r == RoleAdmin
}

// ConversationMember is one user's membership in one conversation.
type ConversationMember struct {
	ConversationID    uint       `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	UserID            uint       `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	Role              MemberRole `gorm:"type:varchar(16);not null;default:'MEMBER'" json:"role"`
	JoinedAt          time.Time  `json:"joined_at"`
	LastReadMessageID *uint      `json:"last_read_message_id,omitempty"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName specifies the table name for GORM.
func (ConversationMember) TableName() string {
	return "conversation_members"
}
