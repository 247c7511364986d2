package service

import (
	"context"
	"errors"
	"fmt"

	"huddle/internal/models"
	"huddle/internal/repository"

	"gorm.io/gorm"
)

// PermissionService answers "may user X do Y" from stored membership, ban, mute
// and read-only facts. It never writes.
type PermissionService struct {
	store *repository.Store
	now   Clock
}

// NewPermissionService returns a PermissionService. A nil clock means time.Now in UTC.
func NewPermissionService(store *repository.Store, now Clock) *PermissionService {
	return &PermissionService{store: store, now: clockOrDefault(now)}
}

// Tx returns a copy that reads through tx, so decisions see the transaction's own writes.
func (s *PermissionService) Tx(tx *repository.Store) *PermissionService {
	return &PermissionService{store: tx, now: s.now}
}

// Member returns the membership row or a NotFoundError.
func (s *PermissionService) Member(ctx context.Context, convID, userID uint) (*models.ConversationMember, error) {
	member, err := s.store.Conversations.GetMember(ctx, convID, userID)
	if err != nil {
		return nil, lookupErr(err, "Member", userID)
	}
	return member, nil
}

// membership is Member with "not a member" reported as nil.
func (s *PermissionService) membership(ctx context.Context, convID, userID uint) (*models.ConversationMember, error) {
	member, err := s.store.Conversations.GetMember(ctx, convID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load membership: %w", err)
	}
	return member, nil
}

// IsActivelyBanned reports whether a ban row exists and has not expired.
func (s *PermissionService) IsActivelyBanned(ctx context.Context, convID, userID uint) (bool, error) {
	ban, err := s.store.Moderation.GetBan(ctx, convID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load ban: %w", err)
	}
	return ban.ActiveAt(s.now()), nil
}

// IsActivelyMuted derives mute state from the moderation log: the newest MUTE or
// UNMUTE wins, and a MUTE only counts while it has no expiry or the expiry is ahead.
func (s *PermissionService) IsActivelyMuted(ctx context.Context, convID, userID uint) (bool, error) {
	latest, err := s.store.Moderation.LatestMuteAction(ctx, convID, userID)
	if err != nil {
		return false, fmt.Errorf("load mute state: %w", err)
	}
	if latest == nil || latest.Action != models.ActionMute {
		return false, nil
	}
	return latest.ExpiresAt == nil || latest.ExpiresAt.After(s.now()), nil
}

// AuthorizeSend returns nil when userID may post to conv, or a ForbiddenError naming the reason.
func (s *PermissionService) AuthorizeSend(ctx context.Context, conv *models.Conversation, userID uint) error {
	member, err := s.membership(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if member == nil {
		return models.NewForbiddenError("You are not a member of this conversation")
	}

	banned, err := s.IsActivelyBanned(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if banned {
		return models.NewForbiddenError("You are banned from this conversation")
	}

	muted, err := s.IsActivelyMuted(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if muted {
		return models.NewForbiddenError("You are muted in this conversation")
	}

	if conv.ReadOnly && !member.Role.Elevated() {
		return models.NewForbiddenError("This conversation is read-only")
	}
	return nil
}

// CanSendMessage reports whether userID may post to the conversation.
func (s *PermissionService) CanSendMessage(ctx context.Context, convID, userID uint) (bool, error) {
	conv, err := s.store.Conversations.GetByID(ctx, convID)
	if err != nil {
		return false, lookupErr(err, "Conversation", convID)
	}
	err = s.AuthorizeSend(ctx, conv, userID)
	if models.IsCode(err, models.CodeForbidden) {
		return false, nil
	}
	return err == nil, err
}

// CanManageMembers reports whether actorID holds OWNER or ADMIN in the conversation.
func (s *PermissionService) CanManageMembers(ctx context.Context, convID, actorID uint) (bool, error) {
	member, err := s.membership(ctx, convID, actorID)
	if err != nil || member == nil {
		return false, err
	}
	return member.Role.Elevated(), nil
}

// CanModerateMessage reports whether actorID wrote msg or manages its conversation.
func (s *PermissionService) CanModerateMessage(ctx context.Context, actorID uint, msg *models.Message) (bool, error) {
	if msg.SenderID == actorID {
		return true, nil
	}
	return s.CanManageMembers(ctx, msg.ConversationID, actorID)
}

// CanViewConversation reports whether userID is a member without an active ban.
// Live subscriptions are only granted when this holds.
func (s *PermissionService) CanViewConversation(ctx context.Context, convID, userID uint) (bool, error) {
	member, err := s.membership(ctx, convID, userID)
	if err != nil || member == nil {
		return false, err
	}
	banned, err := s.IsActivelyBanned(ctx, convID, userID)
	if err != nil {
		return false, err
	}
	return !banned, nil
}

// requireManager loads actorID's membership and insists on an elevated role.
func (s *PermissionService) requireManager(ctx context.Context, convID, actorID uint) (*models.ConversationMember, error) {
	member, err := s.membership(ctx, convID, actorID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, models.NewForbiddenError("You are not a member of this conversation")
	}
	if !member.Role.Elevated() {
		return nil, models.NewForbiddenError("Only owners and admins can manage this conversation")
	}
	return member, nil
}
