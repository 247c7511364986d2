package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"huddle/internal/models"
	"huddle/internal/queue"
	"huddle/internal/repository"
	"huddle/internal/testutil"

	"gorm.io/gorm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordedEvent struct {
	scope   string
	id      uint
	typ     models.EventType
	payload any
}

// recorder stands in for the hub and broadcaster.
type recorder struct {
	mu       sync.Mutex
	events   []recordedEvent
	subs     map[uint]map[uint]bool
	watching map[uint]map[uint]bool
}

func newRecorder() *recorder {
	return &recorder{subs: map[uint]map[uint]bool{}, watching: map[uint]map[uint]bool{}}
}

func (r *recorder) EmitToConversation(_ context.Context, convID uint, typ models.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{scope: "conversation", id: convID, typ: typ, payload: payload})
}

func (r *recorder) EmitToUser(_ context.Context, userID uint, typ models.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{scope: "user", id: userID, typ: typ, payload: payload})
}

func (r *recorder) SubscribeUser(_ context.Context, userID, convID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[userID] == nil {
		r.subs[userID] = map[uint]bool{}
	}
	r.subs[userID][convID] = true
}

func (r *recorder) UnsubscribeUser(_ context.Context, userID, convID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[userID], convID)
}

func (r *recorder) ActiveViewers(convID uint) map[uint]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uint]bool{}
	for uid := range r.watching[convID] {
		out[uid] = true
	}
	return out
}

func (r *recorder) view(convID, userID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watching[convID] == nil {
		r.watching[convID] = map[uint]bool{}
	}
	r.watching[convID][userID] = true
}

func (r *recorder) subscribed(userID, convID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[userID][convID]
}

func (r *recorder) ofType(typ models.EventType) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	db    *gorm.DB
	store *repository.Store
	clock *fakeClock
	rec   *recorder
	tasks *queue.Inline

	perms         *PermissionService
	membership    *MembershipService
	moderation    *ModerationService
	receipts      *ReceiptService
	messages      *MessageService
	notifications *NotificationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	store := repository.NewStore(db)
	clock := newFakeClock()
	rec := newRecorder()
	rt := Realtime{Events: rec, Subscriptions: rec, Viewers: rec}
	tasks := queue.NewInline()

	perms := NewPermissionService(store, clock.Now)
	locks := NewConversationLocks()
	notifications := NewNotificationService(store, perms, rt)
	receipts := NewReceiptService(store, perms, rt)
	messages := NewMessageService(store, perms, receipts, rt, tasks)
	membership := NewMembershipService(store, perms, locks, rt, notifications)
	moderation := NewModerationService(store, perms, membership, messages, locks, rt, notifications)
	messages.SetModeration(moderation)
	tasks.Register(TaskMessageCreated, notifications.HandleTask)

	return &harness{
		db:            db,
		store:         store,
		clock:         clock,
		rec:           rec,
		tasks:         tasks,
		perms:         perms,
		membership:    membership,
		moderation:    moderation,
		receipts:      receipts,
		messages:      messages,
		notifications: notifications,
	}
}

// group creates users and a group conversation with the given roles, in order.
func (h *harness) group(t *testing.T, roles ...models.MemberRole) (*models.Conversation, []models.User) {
	t.Helper()
	users := testutil.CreateUsers(t, h.db, len(roles))
	members := make(map[uint]models.MemberRole, len(roles))
	for i, role := range roles {
		members[users[i].ID] = role
	}
	return testutil.CreateConversation(t, h.db, models.ConversationGroup, members), users
}

func (h *harness) role(t *testing.T, convID, userID uint) models.MemberRole {
	t.Helper()
	m, err := h.store.Conversations.GetMember(context.Background(), convID, userID)
	if err != nil {
		return ""
	}
	return m.Role
}

func ptr[T any](v T) *T {
	return &v
}
