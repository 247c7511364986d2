package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"huddle/internal/models"
	"huddle/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	defaultMaxConnsPerUser = 12
	defaultMaxTotalConns   = 10000
)

var (
	// ErrServerFull is returned by Register when the instance is at MaxTotalConns.
	ErrServerFull = errors.New("server connection limit reached")
	// ErrUserConnLimit is returned by Register when the user is at MaxConnsPerUser.
	ErrUserConnLimit = errors.New("user connection limit reached")
	// ErrSessionClosed is returned for operations on an unregistered session.
	ErrSessionClosed = errors.New("session is closed")
)

var wsLog = observability.NewWSLogger("conversation hub")

// Access decides whether a user may observe a conversation.
type Access interface {
	CanViewConversation(ctx context.Context, convID, userID uint) (bool, error)
}

// ConversationDirectory lists the conversations a user belongs to.
type ConversationDirectory interface {
	ConversationIDsForUser(ctx context.Context, userID uint) ([]uint, error)
}

// ReadMarker advances a member's read position when they open a conversation.
type ReadMarker interface {
	MarkRead(ctx context.Context, convID, userID uint, upToID *uint) (*models.MarkReadResult, error)
}

// PresenceHooks receives session lifecycle signals.
type PresenceHooks interface {
	OnConnect(ctx context.Context, userID uint, sessionID string)
	OnHeartbeat(ctx context.Context, userID uint, sessionID string)
	OnDisconnect(ctx context.Context, userID uint, sessionID string)
}

// HubConfig holds connection limits. Zero values fall back to defaults.
type HubConfig struct {
	MaxConnsPerUser int
	MaxTotalConns   int
}

type memberKey struct {
	userID uint
	convID uint
}

// accessCheck tracks an access check in flight for one member. UnsubscribeUser
// bumps gen so a check that started earlier cannot resubscribe the member.
type accessCheck struct {
	refs int
	gen  uint64
}

type session struct {
	client     *Client
	subscribed map[uint]struct{}
	active     map[uint]struct{}
}

// Hub maps live sessions to the conversation rooms they receive events for.
// A session is a set member of each room, so a room delivery reaches it once.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	users    map[uint]map[string]*session
	rooms    map[uint]map[string]*session
	checks   map[memberKey]*accessCheck

	maxConnsPerUser int
	maxTotalConns   int

	access   Access
	convs    ConversationDirectory
	reads    ReadMarker
	presence PresenceHooks
	now      func() time.Time
}

// NewHub creates a Hub. access and convs decide room membership.
func NewHub(access Access, convs ConversationDirectory, cfg HubConfig) *Hub {
	h := &Hub{
		sessions:        make(map[string]*session),
		users:           make(map[uint]map[string]*session),
		rooms:           make(map[uint]map[string]*session),
		checks:          make(map[memberKey]*accessCheck),
		maxConnsPerUser: cfg.MaxConnsPerUser,
		maxTotalConns:   cfg.MaxTotalConns,
		access:          access,
		convs:           convs,
		now:             func() time.Time { return time.Now().UTC() },
	}
	if h.maxConnsPerUser <= 0 {
		h.maxConnsPerUser = defaultMaxConnsPerUser
	}
	if h.maxTotalConns <= 0 {
		h.maxTotalConns = defaultMaxTotalConns
	}
	return h
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "conversation hub" }

// SetReadMarker wires auto-read-on-open. The receipt tracker depends on the
// hub for viewer lookups, so it is attached after construction.
func (h *Hub) SetReadMarker(r ReadMarker) {
	h.mu.Lock()
	h.reads = r
	h.mu.Unlock()
}

// SetPresence wires presence tracking.
func (h *Hub) SetPresence(p PresenceHooks) {
	h.mu.Lock()
	h.presence = p
	h.mu.Unlock()
}

// Register admits a new session for userID, enforcing connection limits.
func (h *Hub) Register(userID uint, userName string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) >= h.maxTotalConns {
		return nil, ErrServerFull
	}
	if len(h.users[userID]) >= h.maxConnsPerUser {
		return nil, ErrUserConnLimit
	}

	client := NewClient(h, conn, userID, userName)
	s := &session{
		client:     client,
		subscribed: make(map[uint]struct{}),
		active:     make(map[uint]struct{}),
	}
	h.sessions[client.SessionID] = s
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]*session)
	}
	h.users[userID][client.SessionID] = s
	observability.WebSocketConnectionsTotal.Inc()
	return client, nil
}

// Connect subscribes a registered session to every conversation its user can
// view, starts presence tracking and greets the client.
func (h *Hub) Connect(ctx context.Context, client *Client) error {
	ids, err := h.convs.ConversationIDsForUser(ctx, client.UserID)
	if err != nil {
		return err
	}
	gens := make([]uint64, len(ids))
	h.mu.Lock()
	for i, convID := range ids {
		gens[i] = h.beginCheckLocked(client.UserID, convID)
	}
	h.mu.Unlock()

	allowed := make([]bool, len(ids))
	var checkErr error
	for i, convID := range ids {
		ok, err := h.access.CanViewConversation(ctx, convID, client.UserID)
		if err != nil {
			checkErr = err
			break
		}
		allowed[i] = ok
	}

	h.mu.Lock()
	viewable := make([]uint, 0, len(ids))
	for i, convID := range ids {
		if h.endCheckLocked(client.UserID, convID, gens[i]) && allowed[i] {
			viewable = append(viewable, convID)
		}
	}
	if checkErr != nil {
		h.mu.Unlock()
		return checkErr
	}
	s, found := h.sessions[client.SessionID]
	if !found {
		h.mu.Unlock()
		return ErrSessionClosed
	}
	for _, convID := range viewable {
		h.subscribeLocked(s, convID)
	}
	presence := h.presence
	h.mu.Unlock()

	if presence != nil {
		presence.OnConnect(ctx, client.UserID, client.SessionID)
	}
	wsLog.LogConnect(ctx, client.UserID, client.SessionID)
	h.reply(client, models.EventConnected, 0, map[string]any{
		"session_id":       client.SessionID,
		"conversation_ids": viewable,
	})
	return nil
}

// JoinConversation marks the session as viewing convID after re-checking
// access, then marks the conversation read for the user. Joining twice keeps a
// single subscription and only reports messages newly marked read.
func (h *Hub) JoinConversation(ctx context.Context, client *Client, convID uint) (*models.MarkReadResult, error) {
	h.mu.Lock()
	gen := h.beginCheckLocked(client.UserID, convID)
	h.mu.Unlock()

	ok, err := h.access.CanViewConversation(ctx, convID, client.UserID)

	h.mu.Lock()
	current := h.endCheckLocked(client.UserID, convID, gen)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if !ok || !current {
		h.mu.Unlock()
		return nil, models.NewForbiddenError("You cannot view this conversation")
	}
	s, found := h.sessions[client.SessionID]
	if !found {
		h.mu.Unlock()
		return nil, ErrSessionClosed
	}
	h.subscribeLocked(s, convID)
	s.active[convID] = struct{}{}
	reads := h.reads
	h.mu.Unlock()

	result := &models.MarkReadResult{}
	if reads != nil {
		res, err := reads.MarkRead(ctx, convID, client.UserID, nil)
		if err != nil {
			wsLog.LogError(ctx, client.UserID, client.SessionID, err, string(models.EventJoined))
		} else {
			result = res
		}
	}
	h.reply(client, models.EventJoined, convID, result)
	return result, nil
}

// LeaveConversation drops the session's subscription to convID.
func (h *Hub) LeaveConversation(client *Client, convID uint) {
	h.mu.Lock()
	s, found := h.sessions[client.SessionID]
	if found {
		h.unsubscribeLocked(s, convID)
	}
	h.mu.Unlock()
	if found {
		h.reply(client, models.EventLeft, convID, nil)
	}
}

// Heartbeat records liveness for the session.
func (h *Hub) Heartbeat(ctx context.Context, client *Client) {
	h.mu.RLock()
	_, found := h.sessions[client.SessionID]
	presence := h.presence
	h.mu.RUnlock()
	if !found {
		return
	}
	if presence != nil {
		presence.OnHeartbeat(ctx, client.UserID, client.SessionID)
	}
	h.reply(client, models.EventHeartbeat, 0, nil)
}

// UnregisterClient removes the session from every room. Safe to call more than once.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	s, found := h.sessions[client.SessionID]
	if !found {
		h.mu.Unlock()
		return
	}
	for convID := range s.subscribed {
		h.removeFromRoomLocked(convID, client.SessionID)
	}
	delete(h.sessions, client.SessionID)
	if userSessions := h.users[client.UserID]; userSessions != nil {
		delete(userSessions, client.SessionID)
		if len(userSessions) == 0 {
			delete(h.users, client.UserID)
		}
	}
	presence := h.presence
	h.mu.Unlock()

	client.markClosed()
	observability.WebSocketConnectionsTotal.Dec()
	ctx := context.Background()
	if presence != nil {
		presence.OnDisconnect(ctx, client.UserID, client.SessionID)
	}
	wsLog.LogDisconnect(ctx, client.UserID, client.SessionID, "unregistered")
}

// CloseSession force-closes a session, for example after a heartbeat timeout.
func (h *Hub) CloseSession(sessionID, reason string) {
	h.mu.RLock()
	s, found := h.sessions[sessionID]
	h.mu.RUnlock()
	if !found {
		return
	}
	client := s.client
	if client.Conn != nil {
		_ = client.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
		_ = client.Conn.Close()
	}
	h.UnregisterClient(client)
}

// SubscribeUser adds convID to the room sets of the user's local sessions, if
// the user may view it.
func (h *Hub) SubscribeUser(ctx context.Context, userID, convID uint) {
	h.mu.Lock()
	gen := h.beginCheckLocked(userID, convID)
	h.mu.Unlock()

	ok, err := h.access.CanViewConversation(ctx, convID, userID)

	h.mu.Lock()
	defer h.mu.Unlock()
	current := h.endCheckLocked(userID, convID, gen)
	if err != nil {
		wsLog.LogError(ctx, userID, "subscribe", err, "subscription_sync")
		return
	}
	if !ok || !current {
		return
	}
	for _, s := range h.users[userID] {
		h.subscribeLocked(s, convID)
	}
}

// UnsubscribeUser removes convID from the room sets of the user's local
// sessions. Access checks still in flight for the pair are invalidated.
func (h *Hub) UnsubscribeUser(_ context.Context, userID, convID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.checks[memberKey{userID, convID}]; c != nil {
		c.gen++
	}
	for _, s := range h.users[userID] {
		h.unsubscribeLocked(s, convID)
	}
}

// ActiveViewers returns the users with a local session currently viewing convID.
func (h *Hub) ActiveViewers(convID uint) map[uint]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	viewers := make(map[uint]bool)
	for _, s := range h.rooms[convID] {
		if _, ok := s.active[convID]; ok {
			viewers[s.client.UserID] = true
		}
	}
	return viewers
}

// IsConnected reports whether the user has a session on this instance.
func (h *Hub) IsConnected(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Subscriptions returns the sorted room set of a session.
func (h *Hub) Subscriptions(sessionID string) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, found := h.sessions[sessionID]
	if !found {
		return nil
	}
	ids := make([]uint, 0, len(s.subscribed))
	for convID := range s.subscribed {
		ids = append(ids, convID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SessionCount returns the number of live sessions on this instance.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SendError replies with an error frame. Internal details never reach the client.
func (h *Hub) SendError(client *Client, err error) {
	code := models.ErrorCode(err)
	message := "Internal server error"
	var appErr *models.AppError
	if errors.As(err, &appErr) && code != models.CodeInternal {
		message = appErr.Message
	}
	h.reply(client, models.EventError, 0, map[string]string{"code": code, "message": message})
}

// Reply sends a frame to a single session.
func (h *Hub) Reply(client *Client, eventType models.EventType, convID uint, payload any) {
	h.reply(client, eventType, convID, payload)
}

// Shutdown closes every connection and empties the hub.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.sessions))
	for _, s := range h.sessions {
		clients = append(clients, s.client)
	}
	h.sessions = make(map[string]*session)
	h.users = make(map[uint]map[string]*session)
	h.rooms = make(map[uint]map[string]*session)
	h.mu.Unlock()

	for _, client := range clients {
		client.markClosed()
		observability.WebSocketConnectionsTotal.Dec()
		if client.Conn == nil {
			continue
		}
		if err := client.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
			wsLog.LogError(ctx, client.UserID, client.SessionID, err, "shutdown")
		}
		_ = client.Conn.Close()
	}
	wsLog.LogLifecycle(ctx, "shutdown", slog.Int("sessions_closed", len(clients)))
	return nil
}

func (h *Hub) deliverToConversation(convID uint, data []byte, eventType models.EventType) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[convID]))
	for _, s := range h.rooms[convID] {
		targets = append(targets, s.client)
	}
	h.mu.RUnlock()
	return h.deliver(targets, data, "conversation", eventType)
}

func (h *Hub) deliverToUser(userID uint, data []byte, eventType models.EventType) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for _, s := range h.users[userID] {
		targets = append(targets, s.client)
	}
	h.mu.RUnlock()
	return h.deliver(targets, data, "user", eventType)
}

func (h *Hub) deliver(targets []*Client, data []byte, scope string, eventType models.EventType) int {
	delivered := 0
	for _, c := range targets {
		if c.TrySend(data) {
			delivered++
		}
	}
	if delivered > 0 {
		observability.FanoutDeliveries.WithLabelValues(scope, string(eventType)).Add(float64(delivered))
	}
	return delivered
}

func (h *Hub) reply(client *Client, eventType models.EventType, convID uint, payload any) {
	data, err := json.Marshal(Envelope{
		Type:           eventType,
		ConversationID: convID,
		UserID:         client.UserID,
		Payload:        payload,
		Timestamp:      h.now(),
	})
	if err != nil {
		wsLog.LogError(context.Background(), client.UserID, client.SessionID, err, string(eventType))
		return
	}
	client.TrySend(data)
}

// beginCheckLocked registers an access check for the member and returns the
// generation it must still see in endCheckLocked.
func (h *Hub) beginCheckLocked(userID, convID uint) uint64 {
	key := memberKey{userID, convID}
	c := h.checks[key]
	if c == nil {
		c = &accessCheck{}
		h.checks[key] = c
	}
	c.refs++
	return c.gen
}

// endCheckLocked releases the check and reports whether no revocation
// happened since beginCheckLocked.
func (h *Hub) endCheckLocked(userID, convID uint, gen uint64) bool {
	key := memberKey{userID, convID}
	c := h.checks[key]
	if c == nil {
		return false
	}
	current := c.gen == gen
	if c.refs--; c.refs == 0 {
		delete(h.checks, key)
	}
	return current
}

func (h *Hub) subscribeLocked(s *session, convID uint) {
	s.subscribed[convID] = struct{}{}
	room := h.rooms[convID]
	if room == nil {
		room = make(map[string]*session)
		h.rooms[convID] = room
	}
	room[s.client.SessionID] = s
}

func (h *Hub) unsubscribeLocked(s *session, convID uint) {
	delete(s.subscribed, convID)
	delete(s.active, convID)
	h.removeFromRoomLocked(convID, s.client.SessionID)
}

func (h *Hub) removeFromRoomLocked(convID uint, sessionID string) {
	room := h.rooms[convID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(h.rooms, convID)
	}
}
