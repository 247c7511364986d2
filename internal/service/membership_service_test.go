package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"huddle/internal/models"
	"huddle/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allRoles = []models.MemberRole{models.RoleOwner, models.RoleAdmin, models.RoleMember}

func TestMembershipService_ChangeRoleHierarchy(t *testing.T) {
	ctx := context.Background()
	for _, actorRole := range allRoles {
		for _, targetRole := range allRoles {
			for _, newRole := range allRoles {
				name := fmt.Sprintf("%s sets %s to %s", actorRole, targetRole, newRole)
				t.Run(name, func(t *testing.T) {
					h := newHarness(t)
					// The first user is a spare owner so the last-owner rule never decides the outcome.
					conv, users := h.group(t, models.RoleOwner, actorRole, targetRole)
					actor, target := users[1].ID, users[2].ID

					_, err := h.membership.ChangeRole(ctx, conv.ID, actor, target, newRole)

					allowed := actorRole.Rank() > targetRole.Rank() && newRole.Rank() < actorRole.Rank()
					switch {
					case allowed && newRole == targetRole:
						assert.True(t, models.IsCode(err, models.CodeConflict), "err = %v", err)
						assert.Equal(t, targetRole, h.role(t, conv.ID, target))
					case allowed:
						require.NoError(t, err)
						assert.Equal(t, newRole, h.role(t, conv.ID, target))
					default:
						assert.True(t, models.IsCode(err, models.CodeForbidden), "err = %v", err)
						assert.Equal(t, targetRole, h.role(t, conv.ID, target))
					}
					assert.Equal(t, actorRole, h.role(t, conv.ID, actor))
				})
			}
		}
	}
}

func TestMembershipService_AdminScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleAdmin, models.RoleMember)
	b, d := users[1].ID, users[2].ID

	_, err := h.membership.ChangeRole(ctx, conv.ID, b, d, models.RoleAdmin)
	assert.True(t, models.IsCode(err, models.CodeForbidden), "promoting to the actor's own rank is forbidden")

	_, err = h.membership.ChangeRole(ctx, conv.ID, b, d, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeConflict), "no-op role change is a conflict")

	assert.Equal(t, models.RoleMember, h.role(t, conv.ID, d))
	assert.Empty(t, h.rec.ofType(models.EventMemberRoleChanged))
}

func TestMembershipService_LastOwnerProtection(t *testing.T) {
	ctx := context.Background()

	t.Run("leave", func(t *testing.T) {
		h := newHarness(t)
		conv, users := h.group(t, models.RoleOwner, models.RoleAdmin)
		err := h.membership.Leave(ctx, conv.ID, users[0].ID)
		assert.True(t, models.IsCode(err, models.CodeForbidden))
		assert.Equal(t, models.RoleOwner, h.role(t, conv.ID, users[0].ID))
	})

	t.Run("remove", func(t *testing.T) {
		h := newHarness(t)
		conv, users := h.group(t, models.RoleOwner, models.RoleAdmin)
		err := h.membership.RemoveMember(ctx, conv.ID, users[1].ID, users[0].ID)
		assert.True(t, models.IsCode(err, models.CodeForbidden))
		assert.Equal(t, models.RoleOwner, h.role(t, conv.ID, users[0].ID))
	})

	t.Run("demote", func(t *testing.T) {
		h := newHarness(t)
		conv, users := h.group(t, models.RoleOwner, models.RoleAdmin)
		_, err := h.membership.ChangeRole(ctx, conv.ID, users[1].ID, users[0].ID, models.RoleMember)
		assert.True(t, models.IsCode(err, models.CodeForbidden))
		assert.Equal(t, models.RoleOwner, h.role(t, conv.ID, users[0].ID))
	})

	t.Run("second owner may leave", func(t *testing.T) {
		h := newHarness(t)
		conv, users := h.group(t, models.RoleOwner, models.RoleOwner)
		require.NoError(t, h.membership.Leave(ctx, conv.ID, users[0].ID))
		assert.Equal(t, models.MemberRole(""), h.role(t, conv.ID, users[0].ID))
		assert.Len(t, h.rec.ofType(models.EventMemberLeft), 1)
	})
}

func TestMembershipService_ConcurrentLeaveKeepsOneOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleOwner)

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.membership.Leave(ctx, conv.ID, users[i].ID)
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, models.IsCode(err, models.CodeForbidden))
		}
	}
	assert.Equal(t, 1, failed)

	owners, err := h.store.Conversations.CountByRole(ctx, conv.ID, models.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), owners)
}

func TestMembershipService_AddMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleAdmin, models.RoleMember)
	owner, admin, member := users[0].ID, users[1].ID, users[2].ID
	guests := testutil.CreateUsers(t, h.db, 3)

	_, err := h.membership.AddMembers(ctx, conv.ID, member, []uint{guests[0].ID}, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeForbidden), "plain members cannot add")

	_, err = h.membership.AddMembers(ctx, conv.ID, admin, []uint{guests[0].ID}, models.RoleAdmin)
	assert.True(t, models.IsCode(err, models.CodeForbidden), "admins cannot add admins")

	_, err = h.membership.AddMembers(ctx, conv.ID, owner, []uint{member, owner}, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeConflict))

	_, err = h.membership.AddMembers(ctx, conv.ID, owner, []uint{guests[0].ID, 9999}, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	assert.Equal(t, models.MemberRole(""), h.role(t, conv.ID, guests[0].ID), "nothing is added when one user is missing")

	added, err := h.membership.AddMembers(ctx, conv.ID, admin,
		[]uint{guests[0].ID, guests[1].ID, guests[0].ID, member}, "")
	require.NoError(t, err)
	require.Len(t, added, 2)
	for _, g := range guests[:2] {
		assert.Equal(t, models.RoleMember, h.role(t, conv.ID, g.ID))
		assert.True(t, h.rec.subscribed(g.ID, conv.ID))
	}
	assert.Len(t, h.rec.ofType(models.EventMemberAdded), 2)
	assert.Len(t, h.rec.ofType(models.EventConversationJoined), 2)

	invites, err := h.notifications.List(ctx, guests[0].ID, true, 10)
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, models.NotificationInvitation, invites[0].Type)

	require.NoError(t, h.store.Moderation.ReplaceBan(ctx, &models.ChannelBan{
		ConversationID: conv.ID, UserID: guests[2].ID, BannedByUserID: owner,
	}))
	_, err = h.membership.AddMembers(ctx, conv.ID, owner, []uint{guests[2].ID}, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeForbidden), "banned users cannot be re-added")
}

func TestMembershipService_DirectConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := testutil.CreateUsers(t, h.db, 3)
	conv := testutil.CreateConversation(t, h.db, models.ConversationDirect, map[uint]models.MemberRole{
		users[0].ID: models.RoleMember, users[1].ID: models.RoleMember,
	})

	_, err := h.membership.AddMembers(ctx, conv.ID, users[0].ID, []uint{users[2].ID}, models.RoleMember)
	assert.True(t, models.IsCode(err, models.CodeValidation))
	assert.True(t, models.IsCode(h.membership.Leave(ctx, conv.ID, users[0].ID), models.CodeValidation))
	assert.True(t, models.IsCode(h.membership.RemoveMember(ctx, conv.ID, users[0].ID, users[1].ID), models.CodeValidation))
}

func TestMembershipService_RemoveMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleAdmin, models.RoleAdmin, models.RoleMember)
	owner, admin, otherAdmin, member := users[0].ID, users[1].ID, users[2].ID, users[3].ID
	h.rec.SubscribeUser(ctx, member, conv.ID)

	assert.True(t, models.IsCode(h.membership.RemoveMember(ctx, conv.ID, admin, admin), models.CodeValidation))
	assert.True(t, models.IsCode(h.membership.RemoveMember(ctx, conv.ID, admin, otherAdmin), models.CodeForbidden))
	assert.True(t, models.IsCode(h.membership.RemoveMember(ctx, conv.ID, member, admin), models.CodeForbidden))
	assert.True(t, models.IsCode(h.membership.RemoveMember(ctx, conv.ID, admin, 9999), models.CodeNotFound))

	require.NoError(t, h.membership.RemoveMember(ctx, conv.ID, admin, member))
	assert.Equal(t, models.MemberRole(""), h.role(t, conv.ID, member))
	assert.False(t, h.rec.subscribed(member, conv.ID))

	removed := h.rec.ofType(models.EventConversationRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, member, removed[0].id)

	require.NoError(t, h.membership.RemoveMember(ctx, conv.ID, owner, otherAdmin))
}

func TestMembershipService_TransferOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleAdmin, models.RoleMember)
	owner, admin, member := users[0].ID, users[1].ID, users[2].ID

	assert.True(t, models.IsCode(h.membership.TransferOwnership(ctx, conv.ID, admin, member), models.CodeForbidden))
	assert.True(t, models.IsCode(h.membership.TransferOwnership(ctx, conv.ID, owner, 9999), models.CodeNotFound))

	require.NoError(t, h.membership.TransferOwnership(ctx, conv.ID, owner, member))
	assert.Equal(t, models.RoleOwner, h.role(t, conv.ID, member))
	assert.Equal(t, models.RoleAdmin, h.role(t, conv.ID, owner))
	assert.Len(t, h.rec.ofType(models.EventMemberRoleChanged), 2)

	owners, err := h.store.Conversations.CountByRole(ctx, conv.ID, models.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), owners)
}

func TestMembershipService_ListMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember)

	members, err := h.membership.ListMembers(ctx, conv.ID, users[1].ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = h.membership.ListMembers(ctx, conv.ID, 9999)
	assert.True(t, models.IsCode(err, models.CodeForbidden))
	_, err = h.membership.ListMembers(ctx, 9999, users[0].ID)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}
