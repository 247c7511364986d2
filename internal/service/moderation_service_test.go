package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"huddle/internal/models"
	"huddle/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModerationRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uid := uint(7)
	msgID := uint(9)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		req     ModerationRequest
		want    models.ModerationActionType
		wantErr bool
	}{
		{"ban", ModerationRequest{Action: "BAN", TargetUserID: &uid}, models.ActionBan, false},
		{"lowercase mute with expiry", ModerationRequest{Action: "mute", TargetUserID: &uid, ExpiresAt: &future}, models.ActionMute, false},
		{"unban", ModerationRequest{Action: "UNBAN", TargetUserID: &uid}, models.ActionUnban, false},
		{"delete message", ModerationRequest{Action: "DELETE_MESSAGE", MessageID: &msgID}, models.ActionDeleteMessage, false},
		{"make admin", ModerationRequest{Action: "MAKE_ADMIN", TargetUserID: &uid}, models.ActionMakeAdmin, false},
		{"ban without target", ModerationRequest{Action: "BAN"}, "", true},
		{"delete without message", ModerationRequest{Action: "DELETE_MESSAGE"}, "", true},
		{"expiry in the past", ModerationRequest{Action: "BAN", TargetUserID: &uid, ExpiresAt: &past}, "", true},
		{"expiry on unban", ModerationRequest{Action: "UNBAN", TargetUserID: &uid, ExpiresAt: &future}, "", true},
		{"unknown action", ModerationRequest{Action: "KICK", TargetUserID: &uid}, "", true},
		{"empty action", ModerationRequest{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseModerationRequest(tt.req, now)
			if tt.wantErr {
				assert.True(t, models.IsCode(err, models.CodeValidation), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.kind())
		})
	}
}

func TestModerationService_BanLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleAdmin, models.RoleMember)
	owner, admin, member := users[0].ID, users[1].ID, users[2].ID
	h.rec.SubscribeUser(ctx, member, conv.ID)

	action, err := h.moderation.Apply(ctx, ModerationRequest{
		ActorID: admin, ConversationID: conv.ID, Action: "BAN", TargetUserID: &member, Reason: "spam",
	})
	require.NoError(t, err)
	assert.NotZero(t, action.ID)
	assert.False(t, h.rec.subscribed(member, conv.ID), "ban drops live subscriptions")

	updates := h.rec.ofType(models.EventModerationUpdated)
	var convScoped []recordedEvent
	for _, e := range updates {
		if e.scope == "conversation" {
			convScoped = append(convScoped, e)
		}
	}
	require.Len(t, convScoped, 1)
	evt := convScoped[0].payload.(models.ModerationUpdated)
	assert.Equal(t, models.ActionBan, evt.Action)
	assert.Equal(t, member, *evt.TargetUserID)
	assert.Equal(t, "spam", evt.Reason)

	_, err = h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "BAN", TargetUserID: &member,
	})
	assert.True(t, models.IsCode(err, models.CodeConflict), "already banned")

	_, err = h.moderation.Apply(ctx, ModerationRequest{
		ActorID: admin, ConversationID: conv.ID, Action: "UNBAN", TargetUserID: &member,
	})
	require.NoError(t, err)
	assert.True(t, h.rec.subscribed(member, conv.ID), "unban restores subscriptions of members")

	_, err = h.moderation.Apply(ctx, ModerationRequest{
		ActorID: admin, ConversationID: conv.ID, Action: "UNBAN", TargetUserID: &member,
	})
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	actions, err := h.moderation.ListActions(ctx, conv.ID, owner, 0)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionUnban, actions[0].Action)
}

func TestModerationService_ExpiredBanIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember)
	owner, member := users[0].ID, users[1].ID

	_, err := h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "BAN", TargetUserID: &member,
		ExpiresAt: ptr(h.clock.Now().Add(time.Minute)),
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "BAN", TargetUserID: &member,
	})
	require.NoError(t, err)

	ban, err := h.store.Moderation.GetBan(ctx, conv.ID, member)
	require.NoError(t, err)
	assert.Nil(t, ban.ExpiresAt)
}

func TestModerationService_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleAdmin, models.RoleAdmin, models.RoleMember)
	owner, admin, otherAdmin, member := users[0].ID, users[1].ID, users[2].ID, users[3].ID

	cases := []struct {
		name  string
		actor uint
		req   ModerationRequest
		code  string
	}{
		{"member cannot moderate", member, ModerationRequest{Action: "MUTE", TargetUserID: &admin}, models.CodeForbidden},
		{"no self moderation", admin, ModerationRequest{Action: "MUTE", TargetUserID: &admin}, models.CodeForbidden},
		{"admin cannot ban admin", admin, ModerationRequest{Action: "BAN", TargetUserID: &otherAdmin}, models.CodeForbidden},
		{"admin cannot ban owner", admin, ModerationRequest{Action: "BAN", TargetUserID: &owner}, models.CodeForbidden},
		{"unknown target", owner, ModerationRequest{Action: "BAN", TargetUserID: ptr(uint(9999))}, models.CodeNotFound},
		{"unmute without mute", owner, ModerationRequest{Action: "UNMUTE", TargetUserID: &member}, models.CodeConflict},
		{"admin cannot make admin", admin, ModerationRequest{Action: "MAKE_ADMIN", TargetUserID: &member}, models.CodeForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.ActorID = tc.actor
			tc.req.ConversationID = conv.ID
			_, err := h.moderation.Apply(ctx, tc.req)
			assert.True(t, models.IsCode(err, tc.code), "err = %v", err)
		})
	}

	_, err := h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: 9999, Action: "BAN", TargetUserID: &member,
	})
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	actions, err := h.moderation.ListActions(ctx, conv.ID, owner, 0)
	require.NoError(t, err)
	assert.Empty(t, actions, "failed actions leave no audit entries")
	assert.Empty(t, h.rec.ofType(models.EventModerationUpdated))

	_, err = h.moderation.ListActions(ctx, conv.ID, member, 0)
	assert.True(t, models.IsCode(err, models.CodeForbidden))
}

func TestModerationService_MuteTwiceConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember)
	req := ModerationRequest{ActorID: users[0].ID, ConversationID: conv.ID, Action: "MUTE", TargetUserID: &users[1].ID}

	_, err := h.moderation.Apply(ctx, req)
	require.NoError(t, err)
	_, err = h.moderation.Apply(ctx, req)
	assert.True(t, models.IsCode(err, models.CodeConflict))

	outsider := testutil.CreateUsers(t, h.db, 1)[0].ID
	req.TargetUserID = &outsider
	_, err = h.moderation.Apply(ctx, req)
	assert.True(t, models.IsCode(err, models.CodeNotFound), "only members can be muted")
}

func TestModerationService_RoleActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember)
	owner, member := users[0].ID, users[1].ID

	_, err := h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "MAKE_ADMIN", TargetUserID: &member,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, h.role(t, conv.ID, member))

	updates := h.rec.ofType(models.EventModerationUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, models.RoleAdmin, updates[0].payload.(models.ModerationUpdated).TargetRole)
	assert.Empty(t, h.rec.ofType(models.EventMemberRoleChanged))

	_, err = h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "MAKE_ADMIN", TargetUserID: &member,
	})
	assert.True(t, models.IsCode(err, models.CodeConflict))

	_, err = h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "REMOVE_ADMIN", TargetUserID: &member,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, h.role(t, conv.ID, member))
}

func TestModerationService_DeleteMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember)
	other, _ := h.group(t, models.RoleOwner)
	owner, member := users[0].ID, users[1].ID
	msgs := testutil.CreateMessages(t, h.db, conv.ID, member, 1, time.Now().UTC())
	foreign := testutil.CreateMessages(t, h.db, other.ID, member, 1, time.Now().UTC())

	_, err := h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "DELETE_MESSAGE", MessageID: &foreign[0].ID,
	})
	assert.True(t, models.IsCode(err, models.CodeValidation))

	action, err := h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "DELETE_MESSAGE", MessageID: &msgs[0].ID,
	})
	require.NoError(t, err)
	assert.Equal(t, msgs[0].ID, *action.MessageID)

	_, err = h.store.Messages.GetByID(ctx, msgs[0].ID)
	assert.Error(t, err)

	_, err = h.moderation.Apply(ctx, ModerationRequest{
		ActorID: owner, ConversationID: conv.ID, Action: "DELETE_MESSAGE", MessageID: &msgs[0].ID,
	})
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestModerationService_ActionsAreAppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember)

	action, err := h.moderation.Apply(ctx, ModerationRequest{
		ActorID: users[0].ID, ConversationID: conv.ID, Action: "MUTE", TargetUserID: &users[1].ID,
	})
	require.NoError(t, err)

	err = h.db.Model(action).Update("reason", "edited").Error
	assert.True(t, errors.Is(err, models.ErrAppendOnly))
	err = h.db.Delete(action).Error
	assert.True(t, errors.Is(err, models.ErrAppendOnly))
}
