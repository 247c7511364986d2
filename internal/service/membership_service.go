package service

import (
	"context"
	"fmt"

	"huddle/internal/models"
	"huddle/internal/observability"
	"huddle/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

// MembershipService changes who belongs to a conversation and with which role.
// Every write holds the conversation lock, so owner counts and rank checks are
// evaluated against the state the write commits on top of.
type MembershipService struct {
	store    *repository.Store
	perms    *PermissionService
	locks    *ConversationLocks
	rt       Realtime
	notifier NotificationSink
	now      Clock
}

// NewMembershipService returns a MembershipService.
func NewMembershipService(
	store *repository.Store,
	perms *PermissionService,
	locks *ConversationLocks,
	rt Realtime,
	notifier NotificationSink,
) *MembershipService {
	if notifier == nil {
		notifier = nopRealtime{}
	}
	return &MembershipService{
		store:    store,
		perms:    perms,
		locks:    locks,
		rt:       rt.withDefaults(),
		notifier: notifier,
		now:      perms.now,
	}
}

func rejectDirect(conv *models.Conversation) error {
	if conv.IsDirect() {
		return models.NewValidationError("Direct conversations do not support membership changes")
	}
	return nil
}

// AddMembers adds userIDs with role. Users that already belong are skipped; if none
// are new the call is a conflict. All new members are written in one transaction.
func (s *MembershipService) AddMembers(ctx context.Context, convID, actorID uint, userIDs []uint, role models.MemberRole) (added []models.ConversationMember, err error) {
	span, ctx := observability.NewSpan(ctx, "membership.add_members",
		observability.ConversationAttr(convID),
		attribute.Int("users.requested", len(userIDs)),
	)
	defer span.Finish(&err)

	if role == "" {
		role = models.RoleMember
	}
	if !role.Valid() {
		return nil, models.NewValidationError("Invalid role")
	}
	userIDs = uniqueIDs(userIDs)
	if len(userIDs) == 0 {
		return nil, models.NewValidationError("At least one user is required")
	}

	var conv *models.Conversation
	err = mutateConversation(ctx, s.store, s.locks, convID, func(tx *repository.Store, locked *models.Conversation) error {
		conv = locked
		if err := rejectDirect(conv); err != nil {
			return err
		}
		perms := s.perms.Tx(tx)
		actor, err := perms.requireManager(ctx, convID, actorID)
		if err != nil {
			return err
		}
		if role.Rank() >= actor.Role.Rank() {
			return models.NewForbiddenError("You cannot grant a role equal to or above your own")
		}

		existing, err := tx.Conversations.MembersAmong(ctx, convID, userIDs)
		if err != nil {
			return fmt.Errorf("load existing members: %w", err)
		}
		already := make(map[uint]bool, len(existing))
		for _, id := range existing {
			already[id] = true
		}
		fresh := make([]uint, 0, len(userIDs))
		for _, id := range userIDs {
			if !already[id] {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			return models.NewConflictError("All users are already members")
		}

		found, err := tx.Users.ExistingIDs(ctx, fresh)
		if err != nil {
			return fmt.Errorf("load users: %w", err)
		}
		if len(found) != len(fresh) {
			known := make(map[uint]bool, len(found))
			for _, id := range found {
				known[id] = true
			}
			for _, id := range fresh {
				if !known[id] {
					return models.NewNotFoundError("User", id)
				}
			}
		}

		for _, id := range fresh {
			banned, err := perms.IsActivelyBanned(ctx, convID, id)
			if err != nil {
				return err
			}
			if banned {
				return models.NewForbiddenError(fmt.Sprintf("User %d is banned from this conversation", id))
			}
		}

		joinedAt := s.now()
		added = make([]models.ConversationMember, 0, len(fresh))
		for _, id := range fresh {
			added = append(added, models.ConversationMember{
				ConversationID: convID,
				UserID:         id,
				Role:           role,
				JoinedAt:       joinedAt,
			})
		}
		if err := tx.Conversations.AddMembers(ctx, added); err != nil {
			return fmt.Errorf("add members: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	notifications := make([]models.Notification, 0, len(added))
	for _, m := range added {
		s.rt.Subscriptions.SubscribeUser(ctx, m.UserID, convID)
		s.rt.Events.EmitToConversation(ctx, convID, models.EventMemberAdded, models.MemberEvent{
			ConversationID: convID,
			UserID:         m.UserID,
			ActorID:        actorID,
			Role:           m.Role,
		})
		s.rt.Events.EmitToUser(ctx, m.UserID, models.EventConversationJoined, conv)
		notifications = append(notifications, models.Notification{
			UserID:         m.UserID,
			Type:           models.NotificationInvitation,
			ConversationID: &convID,
			ActorID:        &actorID,
			Body:           fmt.Sprintf("You were added to %s", conversationLabel(conv)),
		})
	}
	s.notifier.Notify(ctx, notifications)
	return added, nil
}

// RemoveMember removes targetID on behalf of actorID. Self-removal goes through Leave.
func (s *MembershipService) RemoveMember(ctx context.Context, convID, actorID, targetID uint) (err error) {
	span, ctx := observability.NewSpan(ctx, "membership.remove_member",
		observability.ConversationAttr(convID),
		observability.TargetAttr(targetID),
	)
	defer span.Finish(&err)

	if actorID == targetID {
		return models.NewValidationError("Use leave to remove yourself")
	}

	err = mutateConversation(ctx, s.store, s.locks, convID, func(tx *repository.Store, conv *models.Conversation) error {
		if err := rejectDirect(conv); err != nil {
			return err
		}
		perms := s.perms.Tx(tx)
		actor, err := perms.requireManager(ctx, convID, actorID)
		if err != nil {
			return err
		}
		target, err := perms.Member(ctx, convID, targetID)
		if err != nil {
			return err
		}
		if target.Role.Rank() >= actor.Role.Rank() {
			return models.NewForbiddenError("You can only remove members ranked below you")
		}
		if err := ensureOwnerRemains(ctx, tx, target, ""); err != nil {
			return err
		}
		if _, err := tx.Conversations.RemoveMember(ctx, convID, targetID); err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	evt := models.MemberEvent{ConversationID: convID, UserID: targetID, ActorID: actorID}
	s.rt.Subscriptions.UnsubscribeUser(ctx, targetID, convID)
	s.rt.Events.EmitToConversation(ctx, convID, models.EventMemberRemoved, evt)
	s.rt.Events.EmitToUser(ctx, targetID, models.EventConversationRemoved, evt)
	return nil
}

// ChangeRole sets targetID's role to newRole on behalf of actorID.
func (s *MembershipService) ChangeRole(ctx context.Context, convID, actorID, targetID uint, newRole models.MemberRole) (member *models.ConversationMember, err error) {
	span, ctx := observability.NewSpan(ctx, "membership.change_role",
		observability.ConversationAttr(convID),
		observability.TargetAttr(targetID),
		attribute.String("role", string(newRole)),
	)
	defer span.Finish(&err)

	if !newRole.Valid() {
		return nil, models.NewValidationError("Invalid role")
	}

	var previous models.MemberRole
	err = mutateConversation(ctx, s.store, s.locks, convID, func(tx *repository.Store, conv *models.Conversation) error {
		var err error
		member, previous, err = s.changeRoleTx(ctx, tx, conv, actorID, targetID, newRole)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rt.Events.EmitToConversation(ctx, convID, models.EventMemberRoleChanged, models.MemberEvent{
		ConversationID: convID,
		UserID:         targetID,
		ActorID:        actorID,
		Role:           newRole,
		PreviousRole:   previous,
	})
	s.notifyRoleChange(ctx, convID, actorID, targetID, newRole)
	return member, nil
}

// changeRoleTx applies the rank rules inside an open conversation transaction.
// The moderation engine reuses it for MAKE_ADMIN and REMOVE_ADMIN.
func (s *MembershipService) changeRoleTx(
	ctx context.Context,
	tx *repository.Store,
	conv *models.Conversation,
	actorID, targetID uint,
	newRole models.MemberRole,
) (*models.ConversationMember, models.MemberRole, error) {
	if err := rejectDirect(conv); err != nil {
		return nil, "", err
	}
	if actorID == targetID {
		return nil, "", models.NewForbiddenError("You cannot change your own role")
	}
	perms := s.perms.Tx(tx)
	actor, err := perms.requireManager(ctx, conv.ID, actorID)
	if err != nil {
		return nil, "", err
	}
	target, err := perms.Member(ctx, conv.ID, targetID)
	if err != nil {
		return nil, "", err
	}
	if target.Role.Rank() >= actor.Role.Rank() {
		return nil, "", models.NewForbiddenError("You can only change the role of members ranked below you")
	}
	if newRole.Rank() >= actor.Role.Rank() {
		return nil, "", models.NewForbiddenError("You cannot grant a role equal to or above your own")
	}
	if newRole == target.Role {
		return nil, "", models.NewConflictError(fmt.Sprintf("Member already has role %s", newRole))
	}
	if err := ensureOwnerRemains(ctx, tx, target, newRole); err != nil {
		return nil, "", err
	}
	if err := tx.Conversations.UpdateRole(ctx, conv.ID, targetID, newRole); err != nil {
		return nil, "", lookupErr(err, "Member", targetID)
	}

	previous := target.Role
	target.Role = newRole
	return target, previous, nil
}

// Leave removes userID from the conversation. The last owner has to hand over first.
func (s *MembershipService) Leave(ctx context.Context, convID, userID uint) (err error) {
	span, ctx := observability.NewSpan(ctx, "membership.leave",
		observability.ConversationAttr(convID),
	)
	defer span.Finish(&err)

	err = mutateConversation(ctx, s.store, s.locks, convID, func(tx *repository.Store, conv *models.Conversation) error {
		if err := rejectDirect(conv); err != nil {
			return err
		}
		member, err := s.perms.Tx(tx).Member(ctx, convID, userID)
		if err != nil {
			return err
		}
		if err := ensureOwnerRemains(ctx, tx, member, ""); err != nil {
			return err
		}
		if _, err := tx.Conversations.RemoveMember(ctx, convID, userID); err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.rt.Subscriptions.UnsubscribeUser(ctx, userID, convID)
	s.rt.Events.EmitToConversation(ctx, convID, models.EventMemberLeft, models.MemberEvent{
		ConversationID: convID,
		UserID:         userID,
		ActorID:        userID,
	})
	return nil
}

// TransferOwnership makes targetID an OWNER and demotes the acting owner to ADMIN.
func (s *MembershipService) TransferOwnership(ctx context.Context, convID, actorID, targetID uint) (err error) {
	span, ctx := observability.NewSpan(ctx, "membership.transfer_ownership",
		observability.ConversationAttr(convID),
		observability.TargetAttr(targetID),
	)
	defer span.Finish(&err)

	if actorID == targetID {
		return models.NewValidationError("You already own this conversation")
	}

	var targetPrevious models.MemberRole
	err = mutateConversation(ctx, s.store, s.locks, convID, func(tx *repository.Store, conv *models.Conversation) error {
		if err := rejectDirect(conv); err != nil {
			return err
		}
		perms := s.perms.Tx(tx)
		actor, err := perms.Member(ctx, convID, actorID)
		if err != nil {
			if models.IsCode(err, models.CodeNotFound) {
				return models.NewForbiddenError("You are not a member of this conversation")
			}
			return err
		}
		if actor.Role != models.RoleOwner {
			return models.NewForbiddenError("Only an owner can transfer ownership")
		}
		target, err := perms.Member(ctx, convID, targetID)
		if err != nil {
			return err
		}
		if target.Role == models.RoleOwner {
			return models.NewConflictError("User is already an owner")
		}
		targetPrevious = target.Role

		if err := tx.Conversations.UpdateRole(ctx, convID, targetID, models.RoleOwner); err != nil {
			return lookupErr(err, "Member", targetID)
		}
		if err := tx.Conversations.UpdateRole(ctx, convID, actorID, models.RoleAdmin); err != nil {
			return lookupErr(err, "Member", actorID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.rt.Events.EmitToConversation(ctx, convID, models.EventMemberRoleChanged, models.MemberEvent{
		ConversationID: convID, UserID: targetID, ActorID: actorID,
		Role: models.RoleOwner, PreviousRole: targetPrevious,
	})
	s.rt.Events.EmitToConversation(ctx, convID, models.EventMemberRoleChanged, models.MemberEvent{
		ConversationID: convID, UserID: actorID, ActorID: actorID,
		Role: models.RoleAdmin, PreviousRole: models.RoleOwner,
	})
	s.notifyRoleChange(ctx, convID, actorID, targetID, models.RoleOwner)
	return nil
}

// ListMembers returns the conversation's members to one of them.
func (s *MembershipService) ListMembers(ctx context.Context, convID, actorID uint) ([]models.ConversationMember, error) {
	if _, err := s.store.Conversations.GetByID(ctx, convID); err != nil {
		return nil, lookupErr(err, "Conversation", convID)
	}
	member, err := s.perms.membership(ctx, convID, actorID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, models.NewForbiddenError("You are not a member of this conversation")
	}
	members, err := s.store.Conversations.ListMembers(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// ensureOwnerRemains rejects a change that takes member out of the OWNER role when
// they are the only owner. newRole is "" for removal.
func ensureOwnerRemains(ctx context.Context, tx *repository.Store, member *models.ConversationMember, newRole models.MemberRole) error {
	if member.Role != models.RoleOwner || newRole == models.RoleOwner {
		return nil
	}
	owners, err := tx.Conversations.CountByRole(ctx, member.ConversationID, models.RoleOwner)
	if err != nil {
		return fmt.Errorf("count owners: %w", err)
	}
	if owners <= 1 {
		return models.NewForbiddenError("A conversation must keep at least one owner")
	}
	return nil
}

func (s *MembershipService) notifyRoleChange(ctx context.Context, convID, actorID, targetID uint, role models.MemberRole) {
	s.notifier.Notify(ctx, []models.Notification{{
		UserID:         targetID,
		Type:           models.NotificationRoleChange,
		ConversationID: &convID,
		ActorID:        &actorID,
		Body:           fmt.Sprintf("Your role is now %s", role),
	}})
}

func conversationLabel(conv *models.Conversation) string {
	if conv != nil && conv.Name != "" {
		return conv.Name
	}
	return "a conversation"
}
