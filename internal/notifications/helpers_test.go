package notifications

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"huddle/internal/models"

	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 5 * time.Millisecond
)

// directory is an in-memory membership table: user -> conversation -> banned.
type directory struct {
	mu      sync.Mutex
	members map[uint]map[uint]bool
}

func newDirectory() *directory {
	return &directory{members: map[uint]map[uint]bool{}}
}

func (d *directory) join(userID uint, convIDs ...uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[userID] == nil {
		d.members[userID] = map[uint]bool{}
	}
	for _, id := range convIDs {
		d.members[userID][id] = false
	}
}

func (d *directory) ban(userID, convID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[userID][convID] = true
}

func (d *directory) leave(userID, convID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[userID], convID)
}

func (d *directory) CanViewConversation(_ context.Context, convID, userID uint) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	banned, ok := d.members[userID][convID]
	return ok && !banned, nil
}

func (d *directory) ConversationIDsForUser(_ context.Context, userID uint) ([]uint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint, 0, len(d.members[userID]))
	for id := range d.members[userID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// reads hands out a fixed number of unread messages per (conversation, user) once.
type reads struct {
	mu     sync.Mutex
	unread map[[2]uint]int
	calls  int
}

func (r *reads) MarkRead(_ context.Context, convID, userID uint, _ *uint) (*models.MarkReadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	key := [2]uint{convID, userID}
	n := r.unread[key]
	r.unread[key] = 0
	res := &models.MarkReadResult{MessagesAffected: n}
	if n > 0 {
		last := uint(100 + n)
		res.LastMessageID = &last
	}
	return res, nil
}

type emitted struct {
	convID  uint
	typ     models.EventType
	payload any
}

type emitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *emitter) EmitToConversation(_ context.Context, convID uint, typ models.EventType, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{convID: convID, typ: typ, payload: payload})
}

func (e *emitter) presence(status models.PresenceStatus) []models.PresenceUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.PresenceUpdate
	for _, ev := range e.events {
		if u, ok := ev.payload.(models.PresenceUpdate); ok && u.Status == status {
			out = append(out, u)
		}
	}
	return out
}

type hookCall struct {
	op        string
	userID    uint
	sessionID string
}

type hooks struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *hooks) record(op string, userID uint, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{op: op, userID: userID, sessionID: sessionID})
}

func (h *hooks) OnConnect(_ context.Context, userID uint, sessionID string) {
	h.record("connect", userID, sessionID)
}

func (h *hooks) OnHeartbeat(_ context.Context, userID uint, sessionID string) {
	h.record("heartbeat", userID, sessionID)
}

func (h *hooks) OnDisconnect(_ context.Context, userID uint, sessionID string) {
	h.record("disconnect", userID, sessionID)
}

func (h *hooks) count(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type frame struct {
	Type           models.EventType `json:"type"`
	ConversationID uint             `json:"conversation_id"`
	UserID         uint             `json:"user_id"`
	Payload        json.RawMessage  `json:"payload"`
}

// drain returns every frame queued for c without blocking.
func drain(t *testing.T, c *Client) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-c.Send:
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func framesOfType(frames []frame, typ models.EventType) []frame {
	var out []frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func newTestHub(t *testing.T, dir *directory, cfg HubConfig) *Hub {
	t.Helper()
	hub := NewHub(dir, dir, cfg)
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })
	return hub
}

func connect(t *testing.T, hub *Hub, userID uint) *Client {
	t.Helper()
	c, err := hub.Register(userID, "user", nil)
	require.NoError(t, err)
	require.NoError(t, hub.Connect(context.Background(), c))
	return c
}
