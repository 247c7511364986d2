package notifications

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"huddle/internal/cache"
	"huddle/internal/models"
	"huddle/internal/observability"

	"github.com/tidwall/gjson"
)

// Envelope is the wire shape of every event sent to a session.
type Envelope struct {
	Type           models.EventType `json:"type"`
	ConversationID uint             `json:"conversation_id,omitempty"`
	UserID         uint             `json:"user_id,omitempty"`
	Payload        any              `json:"payload,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

const (
	controlSubscribe   = "subscribe"
	controlUnsubscribe = "unsubscribe"
)

type controlMessage struct {
	Op             string `json:"op"`
	UserID         uint   `json:"user_id"`
	ConversationID uint   `json:"conversation_id"`
}

// Broadcaster fans events out to live sessions. With an enabled Notifier every
// event goes through Redis and each instance delivers it to its own sessions;
// otherwise delivery is local.
type Broadcaster struct {
	hub      *Hub
	notifier *Notifier
	now      func() time.Time
}

// NewBroadcaster creates a Broadcaster over hub. notifier may be nil.
func NewBroadcaster(hub *Hub, notifier *Notifier) *Broadcaster {
	return &Broadcaster{
		hub:      hub,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes to the relay. It is a no-op without Redis.
func (b *Broadcaster) Start(ctx context.Context) error {
	return b.notifier.Subscribe(ctx, b.handleRelay)
}

// EmitToConversation delivers an event to every session subscribed to convID.
func (b *Broadcaster) EmitToConversation(ctx context.Context, convID uint, eventType models.EventType, payload any) {
	data, err := json.Marshal(Envelope{Type: eventType, ConversationID: convID, Payload: payload, Timestamp: b.now()})
	if err != nil {
		wsLog.LogError(ctx, 0, "conversation", err, string(eventType))
		return
	}
	if b.publish(ctx, cache.ConversationChannel(convID), data, eventType) {
		return
	}
	b.hub.deliverToConversation(convID, data, eventType)
}

// EmitToUser delivers an event to every session of userID.
func (b *Broadcaster) EmitToUser(ctx context.Context, userID uint, eventType models.EventType, payload any) {
	data, err := json.Marshal(Envelope{Type: eventType, UserID: userID, Payload: payload, Timestamp: b.now()})
	if err != nil {
		wsLog.LogError(ctx, userID, "user", err, string(eventType))
		return
	}
	if b.publish(ctx, cache.UserChannel(userID), data, eventType) {
		return
	}
	b.hub.deliverToUser(userID, data, eventType)
}

// SubscribeUser adds convID to the room sets of userID's sessions on every instance.
func (b *Broadcaster) SubscribeUser(ctx context.Context, userID, convID uint) {
	if b.publishControl(ctx, controlMessage{Op: controlSubscribe, UserID: userID, ConversationID: convID}) {
		return
	}
	b.hub.SubscribeUser(ctx, userID, convID)
}

// UnsubscribeUser removes convID from the room sets of userID's sessions on every instance.
func (b *Broadcaster) UnsubscribeUser(ctx context.Context, userID, convID uint) {
	if b.publishControl(ctx, controlMessage{Op: controlUnsubscribe, UserID: userID, ConversationID: convID}) {
		return
	}
	b.hub.UnsubscribeUser(ctx, userID, convID)
}

// publish reports whether the relay accepted data. On failure the caller
// falls back to local delivery.
func (b *Broadcaster) publish(ctx context.Context, channel string, data []byte, eventType models.EventType) bool {
	if !b.notifier.Enabled() {
		return false
	}
	if err := b.notifier.Publish(ctx, channel, data); err != nil {
		wsLog.LogError(ctx, 0, channel, err, string(eventType))
		return false
	}
	return true
}

func (b *Broadcaster) publishControl(ctx context.Context, msg controlMessage) bool {
	if !b.notifier.Enabled() {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := b.notifier.Publish(ctx, cache.ControlChannel, data); err != nil {
		wsLog.LogError(ctx, msg.UserID, cache.ControlChannel, err, msg.Op)
		return false
	}
	return true
}

func (b *Broadcaster) handleRelay(channel, payload string) {
	ctx := context.Background()
	if channel == cache.ControlChannel {
		var msg controlMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			wsLog.LogError(ctx, 0, channel, err, "control")
			return
		}
		switch msg.Op {
		case controlSubscribe:
			b.hub.SubscribeUser(ctx, msg.UserID, msg.ConversationID)
		case controlUnsubscribe:
			b.hub.UnsubscribeUser(ctx, msg.UserID, msg.ConversationID)
		}
		return
	}

	scope, id, ok := cache.ParseChannel(channel)
	if !ok {
		observability.GlobalLogger.Warn("relay message on unknown channel", slog.String("channel", channel))
		return
	}
	eventType := models.EventType(gjson.Get(payload, "type").String())
	switch scope {
	case "conversation":
		b.hub.deliverToConversation(id, []byte(payload), eventType)
	case "user":
		b.hub.deliverToUser(id, []byte(payload), eventType)
	}
}
