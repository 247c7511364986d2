// Package service holds the conversation state engine: permissions, membership,
// moderation, receipts, messages and notifications.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"huddle/internal/models"

	"gorm.io/gorm"
)

// EventPublisher delivers domain events to live sessions. Calls happen after
// the triggering write has committed and never report failure.
type EventPublisher interface {
	EmitToConversation(ctx context.Context, convID uint, eventType models.EventType, payload any)
	EmitToUser(ctx context.Context, userID uint, eventType models.EventType, payload any)
}

// SubscriptionSync keeps the room sets of a user's live sessions in line with membership.
type SubscriptionSync interface {
	SubscribeUser(ctx context.Context, userID, convID uint)
	UnsubscribeUser(ctx context.Context, userID, convID uint)
}

// ViewerLookup reports which users currently have a session viewing a conversation.
type ViewerLookup interface {
	ActiveViewers(convID uint) map[uint]bool
}

// NotificationSink stores and announces notifications. Failures are logged, not returned.
type NotificationSink interface {
	Notify(ctx context.Context, notifications []models.Notification)
}

// Realtime bundles the live-session collaborators. Nil fields are replaced by no-ops.
type Realtime struct {
	Events        EventPublisher
	Subscriptions SubscriptionSync
	Viewers       ViewerLookup
}

func (r Realtime) withDefaults() Realtime {
	if r.Events == nil {
		r.Events = nopRealtime{}
	}
	if r.Subscriptions == nil {
		r.Subscriptions = nopRealtime{}
	}
	if r.Viewers == nil {
		r.Viewers = nopRealtime{}
	}
	return r
}

type nopRealtime struct{}

func (nopRealtime) EmitToConversation(context.Context, uint, models.EventType, any) {}
func (nopRealtime) EmitToUser(context.Context, uint, models.EventType, any)         {}
func (nopRealtime) SubscribeUser(context.Context, uint, uint)                       {}
func (nopRealtime) UnsubscribeUser(context.Context, uint, uint)                     {}
func (nopRealtime) ActiveViewers(uint) map[uint]bool                                { return nil }
func (nopRealtime) Notify(context.Context, []models.Notification)                   {}

// Clock returns the current time. Services take one so expiry rules can be tested.
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

func clockOrDefault(now Clock) Clock {
	if now == nil {
		return utcNow
	}
	return now
}

// lookupErr turns a missing row into a NotFoundError and wraps anything else.
func lookupErr(err error, resource string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return fmt.Errorf("load %s %d: %w", resource, id, err)
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
