// Package middleware provides fiber middleware: authentication, request context, logging, tracing and rate limits.
package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the already-authenticated caller carried by a token.
type Identity struct {
	UserID   uint
	UserName string
}

var errInvalidToken = errors.New("invalid or expired token")

// ParseToken validates an HS256 token and extracts the caller identity.
// Tokens are issued by the identity service; this package only verifies them.
func ParseToken(tokenString, secret string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errors.New("token is missing a subject")
	}
	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return Identity{}, errors.New("invalid user ID in token")
	}

	name, _ := claims["name"].(string)
	return Identity{UserID: uint(userID), UserName: name}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(c *fiber.Ctx) (string, bool) {
	parts := strings.Split(c.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// SignToken issues an HS256 token in the shape ParseToken accepts. Production
// tokens come from the identity service; this serves tooling and tests.
func SignToken(identity Identity, secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(identity.UserID), 10),
		"exp": time.Now().Add(ttl).Unix(),
	}
	if identity.UserName != "" {
		claims["name"] = identity.UserName
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
