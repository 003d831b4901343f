package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/middleware"
	"github.com/odorie/api-gestion-poc/cmd/registry/service"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/models"
)

// EntityHandler serves versioned entities of every registered kind
type EntityHandler struct {
	service *service.EntityService
	log     *logger.Logger
}

// NewEntityHandler creates a new entity handler
func NewEntityHandler(svc *service.EntityService, log *logger.Logger) *EntityHandler {
	return &EntityHandler{
		service: svc,
		log:     log,
	}
}

// Create creates an entity
// POST /api/v1/:kind
func (h *EntityHandler) Create(c echo.Context) error {
	body, err := bindFields(c)
	if err != nil {
		return badRequest(c, "invalid request body: %v", err)
	}

	e, err := h.service.Create(c.Request().Context(), c.Param("kind"), body, middleware.GetSession(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, e)
}

// Get resolves a reference, following no redirect
// GET /api/v1/:kind/:ref
func (h *EntityHandler) Get(c echo.Context) error {
	e, err := h.service.Resolve(c.Request().Context(), c.Param("kind"), c.Param("ref"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, e)
}

// Update applies a partial update; the body carries the version last read
// PATCH /api/v1/:kind/:ref
func (h *EntityHandler) Update(c echo.Context) error {
	body, err := bindFields(c)
	if err != nil {
		return badRequest(c, "invalid request body: %v", err)
	}

	e, err := h.service.Update(c.Request().Context(), c.Param("kind"), c.Param("ref"), body, middleware.GetSession(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, e)
}

// Delete deletes an entity
// DELETE /api/v1/:kind/:ref
func (h *EntityHandler) Delete(c echo.Context) error {
	if err := h.service.Delete(c.Request().Context(), c.Param("kind"), c.Param("ref"), middleware.GetSession(c)); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Versions lists the snapshots of an entity
// GET /api/v1/:kind/:ref/versions
func (h *EntityHandler) Versions(c echo.Context) error {
	versions, err := h.service.Versions(c.Request().Context(), c.Param("kind"), c.Param("ref"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"collection": versions,
		"total":      len(versions),
	})
}

// Version returns one snapshot
// GET /api/v1/:kind/:ref/versions/:seq
func (h *EntityHandler) Version(c echo.Context) error {
	seq, err := sequenceParam(c)
	if err != nil {
		return badRequest(c, "%v", err)
	}

	version, err := h.service.Version(c.Request().Context(), c.Param("kind"), c.Param("ref"), seq)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, version)
}

// At returns the snapshot valid at an instant
// GET /api/v1/:kind/:ref/at?t=2024-01-01T00:00:00Z
func (h *EntityHandler) At(c echo.Context) error {
	t, err := time.Parse(time.RFC3339Nano, c.QueryParam("t"))
	if err != nil {
		return badRequest(c, "t must be an RFC 3339 timestamp")
	}

	version, err := h.service.At(c.Request().Context(), c.Param("kind"), c.Param("ref"), t)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, version)
}

// Flag flags a snapshot for the session's client
// POST /api/v1/:kind/:ref/versions/:seq/flag
func (h *EntityHandler) Flag(c echo.Context) error {
	seq, err := sequenceParam(c)
	if err != nil {
		return badRequest(c, "%v", err)
	}

	version, err := h.service.Flag(c.Request().Context(), c.Param("kind"), c.Param("ref"), seq, middleware.GetSession(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, version)
}

// Unflag removes the session client's flag
// DELETE /api/v1/:kind/:ref/versions/:seq/flag
func (h *EntityHandler) Unflag(c echo.Context) error {
	seq, err := sequenceParam(c)
	if err != nil {
		return badRequest(c, "%v", err)
	}

	version, err := h.service.Unflag(c.Request().Context(), c.Param("kind"), c.Param("ref"), seq, middleware.GetSession(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, version)
}

type redirectRequest struct {
	Identifier string `json:"identifier"`
	Value      string `json:"value"`
}

// Redirects lists the redirects targeting an entity
// GET /api/v1/:kind/:ref/redirects
func (h *EntityHandler) Redirects(c echo.Context) error {
	entries, err := h.service.Redirects(c.Request().Context(), c.Param("kind"), c.Param("ref"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if entries == nil {
		entries = []models.RedirectEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// AddRedirect points an identifier value at an entity
// POST /api/v1/:kind/:ref/redirects
func (h *EntityHandler) AddRedirect(c echo.Context) error {
	var req redirectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	kind, ref := c.Param("kind"), c.Param("ref")
	if err := h.service.AddRedirect(ctx, kind, ref, req.Identifier, req.Value); err != nil {
		return respondError(c, h.log, err)
	}
	return h.Redirects(c)
}

// RemoveRedirect deletes a redirect to an entity
// DELETE /api/v1/:kind/:ref/redirects?identifier=insee&value=77316
func (h *EntityHandler) RemoveRedirect(c echo.Context) error {
	identifier, value := c.QueryParam("identifier"), c.QueryParam("value")
	if identifier == "" || value == "" {
		return badRequest(c, "identifier and value are required")
	}

	if err := h.service.RemoveRedirect(c.Request().Context(), c.Param("kind"), c.Param("ref"), identifier, value); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// bindFields decodes a JSON object body keeping key order
func bindFields(c echo.Context) (models.Fields, error) {
	var body models.Fields
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func sequenceParam(c echo.Context) (int, error) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 1 {
		return 0, errors.New("seq must be a positive integer")
	}
	return seq, nil
}
