package server

import (
	"huddle/internal/models"
	"huddle/internal/service"

	"github.com/gofiber/fiber/v2"
)

type messageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

// SendMessage handles POST /api/conversations/:id/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req messageRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	msg, err := s.messages.SendMessage(c.UserContext(), service.SendMessageInput{
		UserID:         currentUser(c),
		ConversationID: convID,
		Content:        req.Content,
		MessageType:    req.MessageType,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// ListMessages handles GET /api/conversations/:id/messages?before=&limit=
func (s *Server) ListMessages(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var before *uint
	if raw := c.QueryInt("before", 0); raw > 0 {
		id := uint(raw)
		before = &id
	}

	msgs, err := s.messages.ListMessages(c.UserContext(), convID, currentUser(c), before, parseLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// EditMessage handles PATCH /api/messages/:id
func (s *Server) EditMessage(c *fiber.Ctx) error {
	messageID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req messageRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	msg, err := s.messages.EditMessage(c.UserContext(), currentUser(c), messageID, req.Content)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// DeleteMessage handles DELETE /api/messages/:id. Deleting someone else's
// message is a moderation action and is recorded as one.
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	messageID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.messages.DeleteMessage(c.UserContext(), currentUser(c), messageID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MarkConversationRead handles POST /api/conversations/:id/read
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		UpToMessageID *uint `json:"up_to_message_id"`
	}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return nil
		}
	}

	res, err := s.receipts.MarkRead(c.UserContext(), convID, currentUser(c), req.UpToMessageID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// GetUnreadCount handles GET /api/conversations/:id/unread
func (s *Server) GetUnreadCount(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	n, err := s.receipts.GetUnreadCount(c.UserContext(), convID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"conversation_id": convID, "unread": n})
}

// GetReadStats handles GET /api/messages/:id/receipts
func (s *Server) GetReadStats(c *fiber.Ctx) error {
	messageID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	stats, err := s.receipts.GetReadStats(c.UserContext(), messageID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// MarkDelivered handles POST /api/messages/delivered
func (s *Server) MarkDelivered(c *fiber.Ctx) error {
	var req struct {
		MessageIDs []uint `json:"message_ids"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if len(req.MessageIDs) == 0 {
		return respondError(c, models.NewValidationError("message_ids is required"))
	}
	n, err := s.receipts.MarkDelivered(c.UserContext(), currentUser(c), req.MessageIDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}
