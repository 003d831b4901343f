package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/auth"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// SessionKey is the context key for storing the authenticated session
	SessionKey ContextKey = "session"
)

// Authenticate reads an optional "Authorization: Bearer <token>" header and
// stores the session it carries in the request context.
// Anonymous requests pass through; an invalid token is rejected with 401.
//
// Accessing in handlers:
//
//	session := middleware.GetSession(c)
func Authenticate(issuer *auth.Issuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return next(c)
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "authorization header must be a bearer token",
				})
			}

			session, err := issuer.Parse(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": err.Error(),
				})
			}

			c.Set(string(SessionKey), session)
			return next(c)
		}
	}
}

// RequireSession rejects anonymous requests.
// Use it on routes that write.
func RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if GetSession(c) == nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "authentication required (bearer token missing)",
				})
			}
			return next(c)
		}
	}
}

// GetSession retrieves the session from the request context.
// Returns nil for anonymous requests.
func GetSession(c echo.Context) *versioning.Session {
	session, _ := c.Get(string(SessionKey)).(*versioning.Session)
	return session
}
