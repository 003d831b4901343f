package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/container"
	"github.com/odorie/api-gestion-poc/cmd/registry/handlers"
)

// RegisterFeedRoutes registers the diff feed and anomaly routes
func RegisterFeedRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFeedHandler(c.EntityService, c.Components.Logger)

	e.GET("/api/v1/diffs", h.Diffs)         // GET /api/v1/diffs?since=120&locality=77316
	e.GET("/api/v1/anomalies", h.Anomalies) // GET /api/v1/anomalies?kind=insee_change
}
