package server

import (
	"github.com/gofiber/fiber/v2"
)

// ListNotifications handles GET /api/notifications?unread=true&limit=
func (s *Server) ListNotifications(c *fiber.Ctx) error {
	items, err := s.notifications.List(c.UserContext(), currentUser(c), c.QueryBool("unread", false), parseLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(items)
}

// GetNotificationUnreadCount handles GET /api/notifications/unread-count
func (s *Server) GetNotificationUnreadCount(c *fiber.Ctx) error {
	n, err := s.notifications.UnreadCount(c.UserContext(), currentUser(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"count": n})
}

// MarkNotificationsRead handles POST /api/notifications/read. An empty id list marks everything read.
func (s *Server) MarkNotificationsRead(c *fiber.Ctx) error {
	var req struct {
		IDs []uint `json:"ids"`
	}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return nil
		}
	}
	n, err := s.notifications.MarkRead(c.UserContext(), currentUser(c), req.IDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}
