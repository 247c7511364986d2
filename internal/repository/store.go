// Package repository provides gorm-backed storage for conversations, moderation, messages, receipts, presence and notifications.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles the repositories that share one database handle.
// A Store obtained inside Transaction is bound to that transaction.
type Store struct {
	db *gorm.DB

	Users         UserRepository
	Conversations ConversationRepository
	Moderation    ModerationRepository
	Messages      MessageRepository
	Receipts      ReceiptRepository
	Presence      PresenceRepository
	Notifications NotificationRepository
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		Users:         NewUserRepository(db),
		Conversations: NewConversationRepository(db),
		Moderation:    NewModerationRepository(db),
		Messages:      NewMessageRepository(db),
		Receipts:      NewReceiptRepository(db),
		Presence:      NewPresenceRepository(db),
		Notifications: NewNotificationRepository(db),
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn with a Store bound to a single transaction.
// Any error returned by fn rolls the whole unit back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
