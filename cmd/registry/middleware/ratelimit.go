package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/ratelimit"
)

// Checker counts one request of subject against rule
type Checker interface {
	Allow(ctx context.Context, rule ratelimit.Rule, subject string) (*ratelimit.Result, error)
}

// RateLimit limits requests per client under rule.
// Authenticated requests are counted by client (or session when the token
// has no client), anonymous ones by remote address.
// The limiter failing lets the request through.
func RateLimit(checker Checker, rule ratelimit.Rule, log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			subject := rateLimitSubject(c)

			result, err := checker.Allow(c.Request().Context(), rule, subject)
			if err != nil {
				log.Warn("rate limit unavailable, allowing request", "rule", rule.Name, "error", err)
				return next(c)
			}

			if !result.Allowed {
				retryAfter := int64(result.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Response().Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many writes. Please wait before trying again.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              rule.Window.String(),
						"current_count":       result.Count,
						"retry_after_seconds": retryAfter,
					},
				})
			}

			return next(c)
		}
	}
}

func rateLimitSubject(c echo.Context) string {
	if session := GetSession(c); session != nil {
		if session.ClientID != "" {
			return "client:" + session.ClientID
		}
		return "session:" + session.ID
	}
	return "ip:" + c.RealIP()
}
