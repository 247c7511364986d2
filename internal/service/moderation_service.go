package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"huddle/internal/models"
	"huddle/internal/observability"
	"huddle/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// ModerationRequest is the untyped form of a moderation action as it arrives from a client.
type ModerationRequest struct {
	ActorID        uint       `json:"-"`
	ConversationID uint       `json:"-"`
	Action         string     `json:"action"`
	TargetUserID   *uint      `json:"target_user_id,omitempty"`
	MessageID      *uint      `json:"message_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// moderationCommand is one validated action. Each variant carries only the fields it uses.
type moderationCommand interface {
	kind() models.ModerationActionType
}

type banCommand struct {
	target    uint
	reason    string
	expiresAt *time.Time
}

type unbanCommand struct {
	target uint
	reason string
}

type muteCommand struct {
	target    uint
	reason    string
	expiresAt *time.Time
}

type unmuteCommand struct {
	target uint
	reason string
}

type deleteMessageCommand struct {
	messageID uint
	reason    string
}

type roleCommand struct {
	action models.ModerationActionType
	target uint
	role   models.MemberRole
	reason string
}

func (banCommand) kind() models.ModerationActionType           { return models.ActionBan }
func (unbanCommand) kind() models.ModerationActionType         { return models.ActionUnban }
func (muteCommand) kind() models.ModerationActionType          { return models.ActionMute }
func (unmuteCommand) kind() models.ModerationActionType        { return models.ActionUnmute }
func (deleteMessageCommand) kind() models.ModerationActionType { return models.ActionDeleteMessage }
func (c roleCommand) kind() models.ModerationActionType        { return c.action }

// parseModerationRequest validates req without touching storage.
func parseModerationRequest(req ModerationRequest, now time.Time) (moderationCommand, error) {
	action := models.ModerationActionType(strings.ToUpper(strings.TrimSpace(req.Action)))
	reason := strings.TrimSpace(req.Reason)

	target := func() (uint, error) {
		if req.TargetUserID == nil || *req.TargetUserID == 0 {
			return 0, models.NewValidationError(fmt.Sprintf("%s requires target_user_id", action))
		}
		return *req.TargetUserID, nil
	}
	expiry := func() (*time.Time, error) {
		if req.ExpiresAt == nil {
			return nil, nil
		}
		if !req.ExpiresAt.After(now) {
			return nil, models.NewValidationError("expires_at must be in the future")
		}
		at := req.ExpiresAt.UTC()
		return &at, nil
	}
	if req.ExpiresAt != nil && action != models.ActionBan && action != models.ActionMute {
		return nil, models.NewValidationError(fmt.Sprintf("expires_at is not supported for %s", action))
	}

	switch action {
	case models.ActionBan, models.ActionMute:
		uid, err := target()
		if err != nil {
			return nil, err
		}
		exp, err := expiry()
		if err != nil {
			return nil, err
		}
		if action == models.ActionBan {
			return banCommand{target: uid, reason: reason, expiresAt: exp}, nil
		}
		return muteCommand{target: uid, reason: reason, expiresAt: exp}, nil
	case models.ActionUnban, models.ActionUnmute:
		uid, err := target()
		if err != nil {
			return nil, err
		}
		if action == models.ActionUnban {
			return unbanCommand{target: uid, reason: reason}, nil
		}
		return unmuteCommand{target: uid, reason: reason}, nil
	case models.ActionDeleteMessage:
		if req.MessageID == nil || *req.MessageID == 0 {
			return nil, models.NewValidationError("DELETE_MESSAGE requires message_id")
		}
		return deleteMessageCommand{messageID: *req.MessageID, reason: reason}, nil
	case models.ActionMakeAdmin, models.ActionRemoveAdmin:
		uid, err := target()
		if err != nil {
			return nil, err
		}
		role := models.RoleAdmin
		if action == models.ActionRemoveAdmin {
			role = models.RoleMember
		}
		return roleCommand{action: action, target: uid, role: role, reason: reason}, nil
	case "":
		return nil, models.NewValidationError("action is required")
	default:
		return nil, models.NewValidationError(fmt.Sprintf("Unsupported moderation action %q", req.Action))
	}
}

// ModerationService applies moderation actions. Each action changes state and appends
// its audit entry in one transaction, then emits a single moderation_updated event.
type ModerationService struct {
	store      *repository.Store
	perms      *PermissionService
	membership *MembershipService
	messages   *MessageService
	locks      *ConversationLocks
	rt         Realtime
	notifier   NotificationSink
	now        Clock
}

// NewModerationService returns a ModerationService.
func NewModerationService(
	store *repository.Store,
	perms *PermissionService,
	membership *MembershipService,
	messages *MessageService,
	locks *ConversationLocks,
	rt Realtime,
	notifier NotificationSink,
) *ModerationService {
	if notifier == nil {
		notifier = nopRealtime{}
	}
	return &ModerationService{
		store:      store,
		perms:      perms,
		membership: membership,
		messages:   messages,
		locks:      locks,
		rt:         rt.withDefaults(),
		notifier:   notifier,
		now:        perms.now,
	}
}

// moderationOutcome carries what the post-commit steps need.
type moderationOutcome struct {
	action     models.ModerationAction
	targetRole models.MemberRole
	subscribe  bool
	drop       bool
}

// Apply validates and executes req, returning the appended audit entry.
func (s *ModerationService) Apply(ctx context.Context, req ModerationRequest) (result *models.ModerationAction, err error) {
	span, ctx := observability.NewSpan(ctx, "moderation.apply",
		observability.ConversationAttr(req.ConversationID),
		attribute.String("action", req.Action),
	)
	defer span.Finish(&err)

	now := s.now()
	cmd, err := parseModerationRequest(req, now)
	if err != nil {
		return nil, err
	}

	var out moderationOutcome
	err = mutateConversation(ctx, s.store, s.locks, req.ConversationID, func(tx *repository.Store, conv *models.Conversation) error {
		actor, err := s.perms.Tx(tx).requireManager(ctx, conv.ID, req.ActorID)
		if err != nil {
			return err
		}

		out = moderationOutcome{action: models.ModerationAction{
			ConversationID: conv.ID,
			Action:         cmd.kind(),
			ActorID:        req.ActorID,
			CreatedAt:      now,
		}}

		switch c := cmd.(type) {
		case banCommand:
			err = s.ban(ctx, tx, actor, c, &out)
		case unbanCommand:
			err = s.unban(ctx, tx, actor, c, &out)
		case muteCommand:
			err = s.mute(ctx, tx, actor, c, &out)
		case unmuteCommand:
			err = s.unmute(ctx, tx, actor, c, &out)
		case deleteMessageCommand:
			err = s.deleteMessage(ctx, tx, conv, c, &out)
		case roleCommand:
			err = s.changeRole(ctx, tx, conv, c, &out)
		default:
			err = models.NewValidationError(fmt.Sprintf("Unsupported moderation action %q", cmd.kind()))
		}
		if err != nil {
			return err
		}

		if err := tx.Moderation.AppendAction(ctx, &out.action); err != nil {
			return fmt.Errorf("append moderation action: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, &out)
	return &out.action, nil
}

// checkTarget enforces the rules shared by user-targeted actions and returns the
// target's membership, or nil when they are not a member.
func (s *ModerationService) checkTarget(ctx context.Context, tx *repository.Store, actor *models.ConversationMember, targetID uint) (*models.ConversationMember, error) {
	if targetID == actor.UserID {
		return nil, models.NewForbiddenError("You cannot moderate yourself")
	}
	if _, err := tx.Users.GetByID(ctx, targetID); err != nil {
		return nil, lookupErr(err, "User", targetID)
	}
	target, err := s.perms.Tx(tx).membership(ctx, actor.ConversationID, targetID)
	if err != nil {
		return nil, err
	}
	if target != nil && target.Role.Rank() >= actor.Role.Rank() {
		return nil, models.NewForbiddenError("You can only moderate members ranked below you")
	}
	return target, nil
}

func (s *ModerationService) ban(ctx context.Context, tx *repository.Store, actor *models.ConversationMember, c banCommand, out *moderationOutcome) error {
	if _, err := s.checkTarget(ctx, tx, actor, c.target); err != nil {
		return err
	}
	existing, err := tx.Moderation.GetBan(ctx, actor.ConversationID, c.target)
	switch {
	case err == nil && existing.ActiveAt(out.action.CreatedAt):
		return models.NewConflictError("User is already banned")
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("load ban: %w", err)
	}

	ban := &models.ChannelBan{
		ConversationID: actor.ConversationID,
		UserID:         c.target,
		BannedByUserID: actor.UserID,
		Reason:         c.reason,
		ExpiresAt:      c.expiresAt,
		CreatedAt:      out.action.CreatedAt,
	}
	if err := tx.Moderation.ReplaceBan(ctx, ban); err != nil {
		return fmt.Errorf("write ban: %w", err)
	}
	out.action.TargetUserID = &c.target
	out.action.Reason = c.reason
	out.action.ExpiresAt = c.expiresAt
	out.drop = true
	return nil
}

func (s *ModerationService) unban(ctx context.Context, tx *repository.Store, actor *models.ConversationMember, c unbanCommand, out *moderationOutcome) error {
	target, err := s.checkTarget(ctx, tx, actor, c.target)
	if err != nil {
		return err
	}
	removed, err := tx.Moderation.DeleteBan(ctx, actor.ConversationID, c.target)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if removed == 0 {
		return models.NewNotFoundError("Ban", c.target)
	}
	out.action.TargetUserID = &c.target
	out.action.Reason = c.reason
	out.subscribe = target != nil
	return nil
}

func (s *ModerationService) mute(ctx context.Context, tx *repository.Store, actor *models.ConversationMember, c muteCommand, out *moderationOutcome) error {
	target, err := s.checkTarget(ctx, tx, actor, c.target)
	if err != nil {
		return err
	}
	if target == nil {
		return models.NewNotFoundError("Member", c.target)
	}
	muted, err := s.perms.Tx(tx).IsActivelyMuted(ctx, actor.ConversationID, c.target)
	if err != nil {
		return err
	}
	if muted {
		return models.NewConflictError("User is already muted")
	}
	out.action.TargetUserID = &c.target
	out.action.Reason = c.reason
	out.action.ExpiresAt = c.expiresAt
	return nil
}

func (s *ModerationService) unmute(ctx context.Context, tx *repository.Store, actor *models.ConversationMember, c unmuteCommand, out *moderationOutcome) error {
	if _, err := s.checkTarget(ctx, tx, actor, c.target); err != nil {
		return err
	}
	muted, err := s.perms.Tx(tx).IsActivelyMuted(ctx, actor.ConversationID, c.target)
	if err != nil {
		return err
	}
	if !muted {
		return models.NewConflictError("User is not muted")
	}
	out.action.TargetUserID = &c.target
	out.action.Reason = c.reason
	return nil
}

func (s *ModerationService) deleteMessage(ctx context.Context, tx *repository.Store, conv *models.Conversation, c deleteMessageCommand, out *moderationOutcome) error {
	msg, err := tx.Messages.GetByID(ctx, c.messageID)
	if err != nil {
		return lookupErr(err, "Message", c.messageID)
	}
	if msg.ConversationID != conv.ID {
		return models.NewValidationError("Message does not belong to this conversation")
	}
	ok, err := s.perms.Tx(tx).CanModerateMessage(ctx, out.action.ActorID, msg)
	if err != nil {
		return err
	}
	if !ok {
		return models.NewForbiddenError("You cannot delete this message")
	}
	if err := s.messages.SoftDeleteTx(ctx, tx, msg); err != nil {
		return err
	}
	out.action.MessageID = &msg.ID
	out.action.TargetUserID = &msg.SenderID
	out.action.Reason = c.reason
	return nil
}

func (s *ModerationService) changeRole(ctx context.Context, tx *repository.Store, conv *models.Conversation, c roleCommand, out *moderationOutcome) error {
	if _, err := tx.Users.GetByID(ctx, c.target); err != nil {
		return lookupErr(err, "User", c.target)
	}
	member, _, err := s.membership.changeRoleTx(ctx, tx, conv, out.action.ActorID, c.target, c.role)
	if err != nil {
		return err
	}
	out.action.TargetUserID = &c.target
	out.action.Reason = c.reason
	out.targetRole = member.Role
	return nil
}

func (s *ModerationService) afterCommit(ctx context.Context, out *moderationOutcome) {
	a := out.action
	observability.ModerationActions.WithLabelValues(string(a.Action)).Inc()

	if a.TargetUserID != nil {
		switch {
		case out.drop:
			s.rt.Subscriptions.UnsubscribeUser(ctx, *a.TargetUserID, a.ConversationID)
		case out.subscribe:
			s.rt.Subscriptions.SubscribeUser(ctx, *a.TargetUserID, a.ConversationID)
		}
	}

	evt := models.ModerationUpdated{
		ActionID:       a.ID,
		Action:         a.Action,
		ConversationID: a.ConversationID,
		TargetUserID:   a.TargetUserID,
		MessageID:      a.MessageID,
		ActorID:        a.ActorID,
		Reason:         a.Reason,
		ExpiresAt:      a.ExpiresAt,
		TargetRole:     out.targetRole,
		CreatedAt:      a.CreatedAt,
	}
	s.rt.Events.EmitToConversation(ctx, a.ConversationID, models.EventModerationUpdated, evt)
	// A banned user is no longer subscribed, so they hear about it on their own channel.
	if out.drop {
		s.rt.Events.EmitToUser(ctx, *a.TargetUserID, models.EventModerationUpdated, evt)
	}

	if a.TargetUserID == nil || *a.TargetUserID == a.ActorID {
		return
	}
	n := models.Notification{
		UserID:         *a.TargetUserID,
		Type:           models.NotificationModeration,
		ConversationID: &a.ConversationID,
		ActorID:        &a.ActorID,
		MessageID:      a.MessageID,
		Body:           moderationNotice(a.Action, out.targetRole),
	}
	if out.targetRole != "" {
		n.Type = models.NotificationRoleChange
	}
	s.notifier.Notify(ctx, []models.Notification{n})
}

func moderationNotice(action models.ModerationActionType, role models.MemberRole) string {
	switch action {
	case models.ActionBan:
		return "You were banned from a conversation"
	case models.ActionUnban:
		return "Your ban was lifted"
	case models.ActionMute:
		return "You were muted in a conversation"
	case models.ActionUnmute:
		return "You were unmuted"
	case models.ActionDeleteMessage:
		return "A moderator removed one of your messages"
	default:
		return fmt.Sprintf("Your role is now %s", role)
	}
}

// ListActions returns the newest audit entries to an owner or admin.
func (s *ModerationService) ListActions(ctx context.Context, convID, actorID uint, limit int) ([]models.ModerationAction, error) {
	if _, err := s.store.Conversations.GetByID(ctx, convID); err != nil {
		return nil, lookupErr(err, "Conversation", convID)
	}
	if _, err := s.perms.requireManager(ctx, convID, actorID); err != nil {
		return nil, err
	}
	actions, err := s.store.Moderation.ListActions(ctx, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("list moderation actions: %w", err)
	}
	return actions, nil
}
