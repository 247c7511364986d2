package server

import (
	"huddle/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ApplyModeration handles POST /api/conversations/:id/moderation
func (s *Server) ApplyModeration(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req service.ModerationRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	req.ActorID = currentUser(c)
	req.ConversationID = convID

	action, err := s.moderation.Apply(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(action)
}

// ListModerationActions handles GET /api/conversations/:id/moderation
func (s *Server) ListModerationActions(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	actions, err := s.moderation.ListActions(c.UserContext(), convID, currentUser(c), parseLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(actions)
}
