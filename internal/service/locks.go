package service

import (
	"context"
	"sync"

	"huddle/internal/models"
	"huddle/internal/repository"
)

// ConversationLocks serializes membership and moderation writes per conversation
// inside one process. Entries are dropped once no goroutine holds or waits on them.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[uint]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// NewConversationLocks returns an empty lock table.
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[uint]*conversationLock)}
}

// Lock blocks until convID is free and returns the matching unlock.
func (l *ConversationLocks) Lock(convID uint) func() {
	l.mu.Lock()
	lk, ok := l.locks[convID]
	if !ok {
		lk = &conversationLock{}
		l.locks[convID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, convID)
		}
		l.mu.Unlock()
	}
}

func (l *ConversationLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// mutateConversation runs fn in one transaction while holding the in-process lock
// for convID and the conversation row lock. Other instances are serialized by the row lock.
func mutateConversation(
	ctx context.Context,
	store *repository.Store,
	locks *ConversationLocks,
	convID uint,
	fn func(tx *repository.Store, conv *models.Conversation) error,
) error {
	unlock := locks.Lock(convID)
	defer unlock()

	return store.Transaction(ctx, func(tx *repository.Store) error {
		conv, err := tx.Conversations.LockForUpdate(ctx, convID)
		if err != nil {
			return lookupErr(err, "Conversation", convID)
		}
		return fn(tx, conv)
	})
}
