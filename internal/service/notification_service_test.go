package service

import (
	"context"
	"testing"

	"huddle/internal/models"
	"huddle/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationService_SkipsActiveViewers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember, models.RoleMember)
	sender, watching, away := users[0].ID, users[1].ID, users[2].ID
	h.rec.view(conv.ID, watching)

	_, err := h.messages.SendMessage(ctx, SendMessageInput{UserID: sender, ConversationID: conv.ID, Content: "ping"})
	require.NoError(t, err)

	n, err := h.notifications.UnreadCount(ctx, watching)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = h.notifications.UnreadCount(ctx, away)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts := h.rec.ofType(models.EventNotificationCountUpdated)
	require.Len(t, counts, 1)
	assert.Equal(t, away, counts[0].id)
	assert.Equal(t, int64(1), counts[0].payload.(models.NotificationCountUpdated).Count)
}

func TestNotificationService_MarkRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, users := h.group(t, models.RoleOwner, models.RoleMember)
	for _, body := range []string{"one", "two", "three"} {
		_, err := h.messages.SendMessage(ctx, SendMessageInput{UserID: users[0].ID, ConversationID: conv.ID, Content: body})
		require.NoError(t, err)
	}

	items, err := h.notifications.List(ctx, users[1].ID, true, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)

	h.rec.reset()
	changed, err := h.notifications.MarkRead(ctx, users[1].ID, []uint{items[0].ID, items[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)
	counts := h.rec.ofType(models.EventNotificationCountUpdated)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(2), counts[0].payload.(models.NotificationCountUpdated).Count)

	changed, err = h.notifications.MarkRead(ctx, users[1].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	changed, err = h.notifications.MarkRead(ctx, users[0].ID, []uint{items[1].ID})
	require.NoError(t, err)
	assert.Zero(t, changed, "users cannot touch other inboxes")
}

func TestNotificationService_HandleTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.notifications.HandleTask(ctx, queue.Task{Type: TaskMessageCreated, Payload: []byte(`{}`)})
	assert.Error(t, err)

	err = h.notifications.HandleTask(ctx, queue.Task{Type: TaskMessageCreated, Payload: []byte(`{"message_id": 4242}`)})
	assert.NoError(t, err, "deleted or unknown messages are ignored")
}
