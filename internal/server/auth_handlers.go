package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"huddle/internal/cache"
	"huddle/internal/middleware"
	"huddle/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

type wsTicket struct {
	UserID   uint   `json:"user_id"`
	UserName string `json:"user_name"`
}

// AuthRequired returns the authentication middleware. WebSocket upgrades may
// present a single-use ticket instead of a bearer token; query-string tokens are
// never accepted on WebSocket paths.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		isWSPath := strings.HasPrefix(c.Path(), "/api/ws") && c.Path() != "/api/ws/ticket"

		if ticket := c.Query("ticket"); ticket != "" {
			identity, err := s.redeemTicket(c.UserContext(), ticket)
			if err == nil {
				return s.authenticated(c, identity)
			}
			if isWSPath {
				return respondError(c, models.NewUnauthorizedError("Invalid or expired WebSocket ticket"))
			}
		}

		tokenString, _ := middleware.BearerToken(c)
		if tokenString == "" && !isWSPath {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return respondError(c, models.NewUnauthorizedError("Authorization required"))
		}

		identity, err := middleware.ParseToken(tokenString, s.config.JWTSecret)
		if err != nil {
			return respondError(c, models.NewUnauthorizedError(err.Error()))
		}
		return s.authenticated(c, identity)
	}
}

func (s *Server) authenticated(c *fiber.Ctx, identity middleware.Identity) error {
	c.Locals("userID", identity.UserID)
	c.Locals("userName", identity.UserName)
	ctx := context.WithValue(c.UserContext(), middleware.UserIDKey, identity.UserID)
	c.SetUserContext(ctx)
	return c.Next()
}

var errTicketInvalid = errors.New("invalid or expired ticket")

// redeemTicket consumes a ticket atomically so it can be used at most once.
func (s *Server) redeemTicket(ctx context.Context, ticket string) (middleware.Identity, error) {
	if s.redis == nil {
		return middleware.Identity{}, errTicketInvalid
	}
	raw, err := s.redis.GetDel(ctx, cache.WSTicketKey(ticket)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			middleware.Logger.WarnContext(ctx, "ws ticket lookup failed", slog.String("error", err.Error()))
		}
		return middleware.Identity{}, errTicketInvalid
	}
	userID := gjson.Get(raw, "user_id").Uint()
	if userID == 0 {
		return middleware.Identity{}, errTicketInvalid
	}
	return middleware.Identity{UserID: uint(userID), UserName: gjson.Get(raw, "user_name").String()}, nil
}

// IssueWSTicket handles POST /api/ws/ticket. Browsers cannot set headers on a
// WebSocket upgrade, so they trade their bearer token for a short-lived ticket.
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	if s.redis == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Error: "WebSocket tickets are unavailable; connect with a bearer token",
		})
	}

	userName, _ := c.Locals("userName").(string)
	value, err := json.Marshal(wsTicket{UserID: currentUser(c), UserName: userName})
	if err != nil {
		return respondError(c, err)
	}
	ticket := uuid.NewString()
	if err := s.redis.Set(c.UserContext(), cache.WSTicketKey(ticket), value, cache.WSTicketTTL).Err(); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(cache.WSTicketTTL.Seconds()),
	})
}
