package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"huddle/internal/cache"
	"huddle/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Notifier relays envelopes between instances over Redis pub/sub.
// A Notifier without a client is disabled and every call is a no-op.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether publishing goes through Redis.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// Publish sends payload to channel.
func (n *Notifier) Publish(ctx context.Context, channel string, payload []byte) error {
	if !n.Enabled() {
		return nil
	}
	if err := n.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		observability.RedisErrorRate.WithLabelValues("publish").Inc()
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on the conversation, user and control channels and calls
// onMessage for each message until ctx is cancelled. It returns once the
// subscription is confirmed so nothing published afterwards is missed.
func (n *Notifier) Subscribe(ctx context.Context, onMessage func(channel, payload string)) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, cache.ConversationChannelPattern, cache.UserChannelPattern, cache.ControlChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		observability.RedisErrorRate.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("subscribe to relay channels: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.GlobalLogger.Error("panic in relay subscriber",
								slog.Any("panic", r),
								slog.String("channel", msg.Channel),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}
