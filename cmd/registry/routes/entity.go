package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/container"
	"github.com/odorie/api-gestion-poc/cmd/registry/handlers"
	"github.com/odorie/api-gestion-poc/cmd/registry/middleware"
)

// RegisterEntityRoutes registers the versioned entity routes of every kind
func RegisterEntityRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEntityHandler(c.EntityService, c.Components.Logger)
	write := writeGuard(c)

	entities := e.Group("/api/v1/:kind")
	{
		entities.POST("", h.Create, write)                           // POST /api/v1/municipality
		entities.GET("/:ref", h.Get)                                 // GET /api/v1/municipality/insee:77316
		entities.PATCH("/:ref", h.Update, write)                     // PATCH /api/v1/municipality/42
		entities.DELETE("/:ref", h.Delete, write)                    // DELETE /api/v1/municipality/42
		entities.GET("/:ref/versions", h.Versions)                   // GET /api/v1/municipality/42/versions
		entities.GET("/:ref/versions/:seq", h.Version)               // GET /api/v1/municipality/42/versions/2
		entities.GET("/:ref/at", h.At)                               // GET /api/v1/municipality/42/at?t=...
		entities.POST("/:ref/versions/:seq/flag", h.Flag, write)     // POST /api/v1/municipality/42/versions/2/flag
		entities.DELETE("/:ref/versions/:seq/flag", h.Unflag, write) // DELETE /api/v1/municipality/42/versions/2/flag
		entities.GET("/:ref/redirects", h.Redirects)                 // GET /api/v1/municipality/42/redirects
		entities.POST("/:ref/redirects", h.AddRedirect, write)       // POST /api/v1/municipality/42/redirects
		entities.DELETE("/:ref/redirects", h.RemoveRedirect, write)  // DELETE /api/v1/municipality/42/redirects?identifier=insee&value=77000
	}
}

// writeGuard requires a session, then counts the write against the client's rate limit
func writeGuard(c *container.Container) echo.MiddlewareFunc {
	requireSession := middleware.RequireSession()
	if c.Limiter == nil {
		return requireSession
	}
	limit := middleware.RateLimit(c.Limiter, c.WriteRule, c.Components.Logger)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return requireSession(limit(next))
	}
}
