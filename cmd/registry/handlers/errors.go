package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/service"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// respondError writes the HTTP form of a versioning or service error.
// Redirects answer 301 with the Location of the target; ambiguous redirects
// answer 300 with every candidate.
func respondError(c echo.Context, log *logger.Logger, err error) error {
	var (
		redirect  *versioning.RedirectError
		ambiguous *versioning.AmbiguousRedirectError
	)

	switch {
	case errors.As(err, &redirect):
		location := relocate(c, redirect.Kind, redirect.Target)
		c.Response().Header().Set(echo.HeaderLocation, location)
		return c.JSON(http.StatusMovedPermanently, map[string]interface{}{
			"error":    err.Error(),
			"location": location,
		})

	case errors.As(err, &ambiguous):
		choices := make([]string, len(ambiguous.Targets))
		for i, target := range ambiguous.Targets {
			choices[i] = relocate(c, ambiguous.Kind, target)
		}
		return c.JSON(http.StatusMultipleChoices, map[string]interface{}{
			"error":   err.Error(),
			"choices": choices,
		})

	case errors.Is(err, versioning.ErrNotFound), errors.Is(err, versioning.ErrUnknownKind):
		return c.JSON(http.StatusNotFound, map[string]interface{}{"error": err.Error()})

	case errors.Is(err, versioning.ErrVersionConflict),
		errors.Is(err, versioning.ErrReferentialConflict),
		errors.Is(err, versioning.ErrDuplicate):
		return c.JSON(http.StatusConflict, map[string]interface{}{"error": err.Error()})

	case errors.Is(err, versioning.ErrPermissionDenied):
		return c.JSON(http.StatusForbidden, map[string]interface{}{"error": err.Error()})

	case errors.Is(err, versioning.ErrInvalidIdentifier),
		errors.Is(err, versioning.ErrSelfRedirect),
		errors.Is(err, versioning.ErrInvalidPeriod),
		errors.Is(err, service.ErrInvalidInput):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error()})
	}

	ctx := c.Request().Context()
	log.WithContext(ctx).ErrorContext(ctx, "request failed",
		"method", c.Request().Method,
		"path", c.Path(),
		"error", err,
	)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": "internal error",
	})
}

// relocate rewrites the request path so its :ref segment points at target
func relocate(c echo.Context, kind string, target int64) string {
	path := c.Request().URL.Path
	from := fmt.Sprintf("/%s/%s", kind, c.Param("ref"))
	to := fmt.Sprintf("/%s/%d", kind, target)
	if strings.Contains(path, from) {
		return strings.Replace(path, from, to, 1)
	}
	return fmt.Sprintf("/api/v1%s", to)
}

// badRequest answers 400 for malformed requests
func badRequest(c echo.Context, format string, args ...any) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error": fmt.Sprintf(format, args...),
	})
}
