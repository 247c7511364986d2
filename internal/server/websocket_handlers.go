package server

import (
	"context"
	"log/slog"
	"strconv"

	"huddle/internal/featureflags"
	"huddle/internal/middleware"
	"huddle/internal/models"
	"huddle/internal/notifications"
	"huddle/internal/observability"
	"huddle/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/tidwall/gjson"
)

// Inbound frame types.
const (
	frameJoin      = "join"
	frameLeave     = "leave"
	frameHeartbeat = "heartbeat"
	frameRead      = "read"
	frameDelivered = "delivered"
	frameTyping    = "typing"
	frameMessage   = "message"
)

var errThrottled = models.NewValidationError("Rate limit exceeded. Please wait a moment.")

// WebsocketHandler upgrades an authenticated request into a conversation session.
func (s *Server) WebsocketHandler() fiber.Handler {
	upgrade := websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals("userID").(uint)
		userName, _ := conn.Locals("userName").(string)
		if userID == 0 {
			_ = conn.WriteJSON(errorFrame(models.NewUnauthorizedError("unauthorized")))
			_ = conn.Close()
			return
		}
		if userName == "" {
			if user, err := s.store.Users.GetByID(context.Background(), userID); err == nil {
				userName = user.Username
			}
		}

		client, err := s.hub.Register(userID, userName, conn)
		if err != nil {
			middleware.Logger.Warn("websocket rejected",
				slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
			_ = conn.WriteJSON(errorFrame(models.NewConflictError(err.Error())))
			_ = conn.Close()
			return
		}

		ctx := middleware.WithSession(context.Background(), userID, client.SessionID)
		client.IncomingHandler = func(c *notifications.Client, message []byte) {
			s.handleFrame(ctx, c, message)
		}

		go client.WritePump()
		if err := s.hub.Connect(ctx, client); err != nil {
			s.hub.SendError(client, err)
			s.hub.UnregisterClient(client)
			return
		}
		client.ReadPump()
	})

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return upgrade(c)
	}
}

func errorFrame(err *models.AppError) fiber.Map {
	return fiber.Map{
		"type":    models.EventError,
		"payload": fiber.Map{"code": err.Code, "message": err.Message},
	}
}

// handleFrame routes one inbound frame. Every failure is answered with an error
// frame on the same session; the connection stays open.
func (s *Server) handleFrame(ctx context.Context, c *notifications.Client, raw []byte) {
	if !gjson.ValidBytes(raw) {
		observability.WebSocketEventsTotal.WithLabelValues("invalid").Inc()
		s.hub.SendError(c, models.NewValidationError("Invalid frame"))
		return
	}
	frameType := gjson.GetBytes(raw, "type").String()

	var err error
	switch frameType {
	case frameJoin:
		err = s.onJoin(ctx, c, raw)
	case frameLeave:
		err = s.onLeave(c, raw)
	case frameHeartbeat:
		s.hub.Heartbeat(ctx, c)
	case frameRead:
		err = s.onRead(ctx, c, raw)
	case frameDelivered:
		err = s.onDelivered(ctx, c, raw)
	case frameTyping:
		err = s.onTyping(ctx, c, raw)
	case frameMessage:
		err = s.onMessage(ctx, c, raw)
	default:
		observability.WebSocketEventsTotal.WithLabelValues("unknown").Inc()
		s.hub.SendError(c, models.NewValidationError("Unknown frame type "+strconv.Quote(frameType)))
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(frameType).Inc()

	if err != nil {
		if models.ErrorCode(err) == models.CodeInternal {
			middleware.Logger.ErrorContext(ctx, "websocket frame failed",
				slog.String("type", frameType), slog.String("error", err.Error()))
		}
		s.hub.SendError(c, err)
	}
}

func frameConversation(raw []byte) (uint, error) {
	id := gjson.GetBytes(raw, "conversation_id").Uint()
	if id == 0 {
		return 0, models.NewValidationError("conversation_id is required")
	}
	return uint(id), nil
}

func (s *Server) onJoin(ctx context.Context, c *notifications.Client, raw []byte) error {
	convID, err := frameConversation(raw)
	if err != nil {
		return err
	}
	_, err = s.hub.JoinConversation(ctx, c, convID)
	return err
}

func (s *Server) onLeave(c *notifications.Client, raw []byte) error {
	convID, err := frameConversation(raw)
	if err != nil {
		return err
	}
	s.hub.LeaveConversation(c, convID)
	return nil
}

func (s *Server) onRead(ctx context.Context, c *notifications.Client, raw []byte) error {
	convID, err := frameConversation(raw)
	if err != nil {
		return err
	}
	var upTo *uint
	if v := gjson.GetBytes(raw, "up_to_message_id").Uint(); v > 0 {
		id := uint(v)
		upTo = &id
	}
	_, err = s.receipts.MarkRead(ctx, convID, c.UserID, upTo)
	return err
}

func (s *Server) onDelivered(ctx context.Context, c *notifications.Client, raw []byte) error {
	if !s.featureFlags.Enabled(featureflags.DeliveryAcks, c.UserID) {
		return nil
	}
	var ids []uint
	for _, v := range gjson.GetBytes(raw, "message_ids").Array() {
		if id := v.Uint(); id > 0 {
			ids = append(ids, uint(id))
		}
	}
	if len(ids) == 0 {
		return models.NewValidationError("message_ids is required")
	}
	_, err := s.receipts.MarkDelivered(ctx, c.UserID, ids)
	return err
}

// onTyping relays a typing indicator. Disabled, throttled or unauthorized
// indicators are dropped without a reply.
func (s *Server) onTyping(ctx context.Context, c *notifications.Client, raw []byte) error {
	if !s.featureFlags.Enabled(featureflags.TypingIndicators, c.UserID) {
		return nil
	}
	convID, err := frameConversation(raw)
	if err != nil {
		return err
	}
	if !s.typingThrottle.Allow(ctx, strconv.FormatUint(uint64(c.UserID), 10)) {
		return nil
	}
	ok, err := s.perms.CanSendMessage(ctx, convID, c.UserID)
	if err != nil || !ok {
		return err
	}
	s.broadcaster.EmitToConversation(ctx, convID, models.EventTyping, models.TypingEvent{
		ConversationID: convID,
		UserID:         c.UserID,
		UserName:       c.UserName,
		IsTyping:       gjson.GetBytes(raw, "is_typing").Bool(),
	})
	return nil
}

func (s *Server) onMessage(ctx context.Context, c *notifications.Client, raw []byte) error {
	convID, err := frameConversation(raw)
	if err != nil {
		return err
	}
	if !s.messageThrottle.Allow(ctx, strconv.FormatUint(uint64(c.UserID), 10)) {
		return errThrottled
	}
	msg, err := s.messages.SendMessage(ctx, service.SendMessageInput{
		UserID:         c.UserID,
		ConversationID: convID,
		Content:        gjson.GetBytes(raw, "content").String(),
		MessageType:    gjson.GetBytes(raw, "message_type").String(),
	})
	if err != nil {
		return err
	}
	s.hub.Reply(c, models.EventMessageAck, convID, fiber.Map{
		"client_id":  gjson.GetBytes(raw, "client_id").String(),
		"message_id": msg.ID,
		"created_at": msg.CreatedAt,
	})
	return nil
}
