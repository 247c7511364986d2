package models

import "time"

// EventType names a real-time event delivered to sessions.
type EventType string

// Conversation-scoped events.
const (
	EventMessageCreated    EventType = "message_created"
	EventMessageEdited     EventType = "message_edited"
	EventMessageDeleted    EventType = "message_deleted"
	EventMessageDelivered  EventType = "message_delivered"
	EventReceiptUpdated    EventType = "receipt_updated"
	EventModerationUpdated EventType = "moderation_updated"
	EventPresenceUpdated   EventType = "presence_updated"
	EventMemberAdded       EventType = "member_added"
	EventMemberRemoved     EventType = "member_removed"
	EventMemberRoleChanged EventType = "member_role_changed"
	EventMemberLeft        EventType = "member_left"
	EventTyping            EventType = "typing"
)

// User-scoped events.
const (
	EventNotificationCreated      EventType = "notification_created"
	EventNotificationCountUpdated EventType = "notification_count_updated"
	EventConversationJoined       EventType = "conversation_joined"
	EventConversationRemoved      EventType = "conversation_removed"
)

// Session replies.
const (
	EventJoined     EventType = "joined"
	EventLeft       EventType = "left"
	EventPresence   EventType = "presence_snapshot"
	EventError      EventType = "error"
	EventHeartbeat  EventType = "heartbeat_ack"
	EventConnected  EventType = "connected"
	EventMessageAck EventType = "message_ack"
	// EventMessagesDropped tells a slow session that frames were discarded and
	// it should re-fetch state over REST.
	EventMessagesDropped EventType = "messages_dropped"
)

// PresenceUpdate announces a user's presence to each of their conversations.
type PresenceUpdate struct {
	UserID     uint           `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ReceiptUpdate announces that a member's read position advanced.
type ReceiptUpdate struct {
	ConversationID    uint      `json:"conversation_id"`
	UserID            uint      `json:"user_id"`
	LastReadMessageID *uint     `json:"last_read_message_id"`
	MessagesAffected  int       `json:"messages_affected"`
	Timestamp         time.Time `json:"timestamp"`
}

// DeliveryUpdate announces DELIVERED receipts.
type DeliveryUpdate struct {
	ConversationID uint      `json:"conversation_id"`
	UserID         uint      `json:"user_id"`
	MessageIDs     []uint    `json:"message_ids"`
	Timestamp      time.Time `json:"timestamp"`
}

// ModerationUpdated carries everything subscribers need to apply a moderation action locally.
type ModerationUpdated struct {
	ActionID       uint                 `json:"action_id"`
	Action         ModerationActionType `json:"action"`
	ConversationID uint                 `json:"conversation_id"`
	TargetUserID   *uint                `json:"target_user_id,omitempty"`
	MessageID      *uint                `json:"message_id,omitempty"`
	ActorID        uint                 `json:"actor_id"`
	Reason         string               `json:"reason,omitempty"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	TargetRole     MemberRole           `json:"target_role,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// NotificationCountUpdated carries a user's unread notification count.
type NotificationCountUpdated struct {
	Count int64 `json:"count"`
}

// MemberEvent describes a membership change.
type MemberEvent struct {
	ConversationID uint       `json:"conversation_id"`
	UserID         uint       `json:"user_id"`
	ActorID        uint       `json:"actor_id"`
	Role           MemberRole `json:"role,omitempty"`
	PreviousRole   MemberRole `json:"previous_role,omitempty"`
}

// MessageDeleted announces a soft deletion.
type MessageDeleted struct {
	ConversationID uint `json:"conversation_id"`
	MessageID      uint `json:"message_id"`
	DeletedBy      uint `json:"deleted_by"`
}

// TypingEvent is relayed as-is to conversation subscribers.
type TypingEvent struct {
	ConversationID uint   `json:"conversation_id"`
	UserID         uint   `json:"user_id"`
	UserName       string `json:"user_name"`
	IsTyping       bool   `json:"is_typing"`
}
