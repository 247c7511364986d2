package notifications

import (
	"context"
	"testing"

	"huddle/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_LocalDeliveryReachesEachSessionOnce(t *testing.T) {
	dir := newDirectory()
	dir.join(1, 10)
	dir.join(2, 10)
	dir.join(3, 11)
	hub := newTestHub(t, dir, HubConfig{})
	b := NewBroadcaster(hub, nil)
	ctx := context.Background()

	phone, laptop := connect(t, hub, 1), connect(t, hub, 1)
	other, outsider := connect(t, hub, 2), connect(t, hub, 3)
	for _, c := range []*Client{phone, laptop, other, outsider} {
		drain(t, c)
	}

	b.EmitToConversation(ctx, 10, models.EventMessageCreated, map[string]any{"id": 5})
	for _, c := range []*Client{phone, laptop, other} {
		frames := drain(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, models.EventMessageCreated, frames[0].Type)
		assert.Equal(t, uint(10), frames[0].ConversationID)
	}
	assert.Empty(t, drain(t, outsider))

	b.EmitToUser(ctx, 1, models.EventNotificationCountUpdated, models.NotificationCountUpdated{Count: 2})
	assert.Len(t, drain(t, phone), 1)
	assert.Len(t, drain(t, laptop), 1)
	assert.Empty(t, drain(t, other))
}

func TestBroadcaster_LocalSubscriptionSync(t *testing.T) {
	dir := newDirectory()
	dir.join(1, 10)
	hub := newTestHub(t, dir, HubConfig{})
	b := NewBroadcaster(hub, NewNotifier(nil))
	c := connect(t, hub, 1)

	b.UnsubscribeUser(context.Background(), 1, 10)
	assert.Empty(t, hub.Subscriptions(c.SessionID))
	b.SubscribeUser(context.Background(), 1, 10)
	assert.Equal(t, []uint{10}, hub.Subscriptions(c.SessionID))
}

func TestBroadcaster_RelaysAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newRDB := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return rdb
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := newDirectory()
	dir.join(1, 10)

	hubA := newTestHub(t, dir, HubConfig{})
	hubB := newTestHub(t, dir, HubConfig{})
	a := NewBroadcaster(hubA, NewNotifier(newRDB()))
	b := NewBroadcaster(hubB, NewNotifier(newRDB()))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	remote := connect(t, hubB, 1)
	drain(t, remote)

	a.EmitToConversation(ctx, 10, models.EventReceiptUpdated, models.ReceiptUpdate{ConversationID: 10, UserID: 2})
	assert.Eventually(t, func() bool { return len(remote.Send) == 1 }, testEventuallyTimeout, testPollInterval)
	frames := drain(t, remote)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventReceiptUpdated, frames[0].Type)

	a.UnsubscribeUser(ctx, 1, 10)
	assert.Eventually(t, func() bool { return len(hubB.Subscriptions(remote.SessionID)) == 0 },
		testEventuallyTimeout, testPollInterval, "membership changes on one instance reach sessions on another")

	dir.join(1, 20)
	a.SubscribeUser(ctx, 1, 20)
	assert.Eventually(t, func() bool {
		subs := hubB.Subscriptions(remote.SessionID)
		return len(subs) == 1 && subs[0] == 20
	}, testEventuallyTimeout, testPollInterval)

	a.EmitToUser(ctx, 1, models.EventNotificationCreated, map[string]any{"id": 1})
	assert.Eventually(t, func() bool { return len(remote.Send) == 1 }, testEventuallyTimeout, testPollInterval)
}

func TestBroadcaster_FallsBackToLocalWhenRedisFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := newDirectory()
	dir.join(1, 10)
	hub := newTestHub(t, dir, HubConfig{})
	b := NewBroadcaster(hub, NewNotifier(rdb))
	c := connect(t, hub, 1)
	drain(t, c)

	mr.Close()
	b.EmitToConversation(context.Background(), 10, models.EventMessageEdited, map[string]any{"id": 1})
	assert.Len(t, drain(t, c), 1)
}

func TestBroadcaster_IgnoresUnknownChannels(t *testing.T) {
	hub := newTestHub(t, newDirectory(), HubConfig{})
	b := NewBroadcaster(hub, nil)
	c := connect(t, hub, 1)
	drain(t, c)

	b.handleRelay("chat:other:1", `{"type":"x"}`)
	b.handleRelay("notifications:user:abc", `{"type":"x"}`)
	b.handleRelay("notifications:user:1", `{"type":"notification_created"}`)
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventNotificationCreated, frames[0].Type)
}
