package server

import (
	"huddle/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ListMembers handles GET /api/conversations/:id/members
func (s *Server) ListMembers(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	members, err := s.membership.ListMembers(c.UserContext(), convID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(members)
}

// AddMembers handles POST /api/conversations/:id/members
func (s *Server) AddMembers(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		UserIDs []uint            `json:"user_ids"`
		Role    models.MemberRole `json:"role"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}

	added, err := s.membership.AddMembers(c.UserContext(), convID, currentUser(c), req.UserIDs, req.Role)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(added)
}

// RemoveMember handles DELETE /api/conversations/:id/members/:userId
func (s *Server) RemoveMember(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	if err := s.membership.RemoveMember(c.UserContext(), convID, currentUser(c), targetID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ChangeRole handles PATCH /api/conversations/:id/members/:userId/role
func (s *Server) ChangeRole(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	var req struct {
		Role models.MemberRole `json:"role"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	member, err := s.membership.ChangeRole(c.UserContext(), convID, currentUser(c), targetID, req.Role)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(member)
}

// LeaveConversation handles POST /api/conversations/:id/leave
func (s *Server) LeaveConversation(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.membership.Leave(c.UserContext(), convID, currentUser(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// TransferOwnership handles POST /api/conversations/:id/owner
func (s *Server) TransferOwnership(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if req.UserID == 0 {
		return respondError(c, models.NewValidationError("user_id is required"))
	}

	if err := s.membership.TransferOwnership(c.UserContext(), convID, currentUser(c), req.UserID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetConversationPresence handles GET /api/conversations/:id/presence
func (s *Server) GetConversationPresence(c *fiber.Ctx) error {
	convID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	members, err := s.membership.ListMembers(c.UserContext(), convID, currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	ids := make([]uint, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	snapshot, err := s.presence.Snapshot(c.UserContext(), ids)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snapshot)
}
