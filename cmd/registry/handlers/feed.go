package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/service"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

const (
	defaultFeedLimit = 100
	maxFeedLimit     = 1000
)

// FeedHandler serves the diff feed and the detected anomalies
type FeedHandler struct {
	service *service.EntityService
	log     *logger.Logger
}

// NewFeedHandler creates a new feed handler
func NewFeedHandler(svc *service.EntityService, log *logger.Logger) *FeedHandler {
	return &FeedHandler{
		service: svc,
		log:     log,
	}
}

// Diffs lists diffs by increasing increment
// GET /api/v1/diffs?since=120&locality=77316&resource=municipality&limit=100
func (h *FeedHandler) Diffs(c echo.Context) error {
	since, err := int64Query(c, "since", 0)
	if err != nil {
		return badRequest(c, "since must be an integer")
	}
	limit, err := limitQuery(c)
	if err != nil {
		return badRequest(c, "%v", err)
	}

	diffs, err := h.service.Diffs(c.Request().Context(), versioning.DiffFilter{
		EntityType: c.QueryParam("resource"),
		Locality:   c.QueryParam("locality"),
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	if diffs == nil {
		diffs = []*models.DiffRecord{}
	}

	// next cursor: the last increment returned, or since when empty
	next := since
	if len(diffs) > 0 {
		next = diffs[len(diffs)-1].ID
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"collection": diffs,
		"total":      len(diffs),
		"next":       next,
	})
}

// Anomalies lists detected anomalies
// GET /api/v1/anomalies?kind=insee_change&locality=77316&limit=100
func (h *FeedHandler) Anomalies(c echo.Context) error {
	limit, err := limitQuery(c)
	if err != nil {
		return badRequest(c, "%v", err)
	}

	anomalies, err := h.service.Anomalies(c.Request().Context(), versioning.AnomalyFilter{
		Kind:     c.QueryParam("kind"),
		Locality: c.QueryParam("locality"),
		Limit:    limit,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	if anomalies == nil {
		anomalies = []*models.Anomaly{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"collection": anomalies,
		"total":      len(anomalies),
	})
}

func int64Query(c echo.Context, name string, fallback int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func limitQuery(c echo.Context) (int, error) {
	limit, err := int64Query(c, "limit", defaultFeedLimit)
	if err != nil || limit < 1 || limit > maxFeedLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxFeedLimit)
	}
	return int(limit), nil
}
