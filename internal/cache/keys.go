package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key layout.
const (
	OnlineUsersKey = "ws:online_users"
	lastSeenPrefix = "ws:last_seen:"
	wsTicketPrefix = "ws_ticket:"

	ConversationChannelPattern = "chat:conv:*"
	UserChannelPattern         = "notifications:user:*"
	ControlChannel             = "chat:control"
	conversationChannelPrefix  = "chat:conv:"
	userChannelPrefix          = "notifications:user:"
)

// TTLs.
const (
	LastSeenTTL = 90 * time.Second
	WSTicketTTL = 60 * time.Second
)

// LastSeenKey holds the last heartbeat time of a user.
func LastSeenKey(userID uint) string {
	return lastSeenPrefix + strconv.FormatUint(uint64(userID), 10)
}

// WSTicketKey holds the user a single-use WebSocket ticket was issued to.
func WSTicketKey(ticket string) string {
	return wsTicketPrefix + ticket
}

// ConversationChannel is the pub/sub channel for conversation-scoped events.
func ConversationChannel(conversationID uint) string {
	return fmt.Sprintf("%s%d", conversationChannelPrefix, conversationID)
}

// UserChannel is the pub/sub channel for user-scoped events.
func UserChannel(userID uint) string {
	return fmt.Sprintf("%s%d", userChannelPrefix, userID)
}

// ParseChannel splits a pub/sub channel name into its scope and ID.
func ParseChannel(channel string) (scope string, id uint, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(channel, conversationChannelPrefix):
		scope, rest = "conversation", strings.TrimPrefix(channel, conversationChannelPrefix)
	case strings.HasPrefix(channel, userChannelPrefix):
		scope, rest = "user", strings.TrimPrefix(channel, userChannelPrefix)
	default:
		return "", 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || n == 0 {
		return "", 0, false
	}
	return scope, uint(n), true
}
