package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/auth"
	"github.com/odorie/api-gestion-poc/common/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthEcho(t *testing.T) (*echo.Echo, *auth.Issuer) {
	t.Helper()

	issuer, err := auth.NewIssuer("test-secret", "api-gestion", time.Hour)
	require.NoError(t, err)

	e := echo.New()
	e.Use(Authenticate(issuer))
	e.GET("/whoami", func(c echo.Context) error {
		session := GetSession(c)
		if session == nil {
			return c.String(http.StatusOK, "anonymous")
		}
		return c.String(http.StatusOK, session.ClientID)
	})
	e.POST("/write", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, RequireSession())
	return e, issuer
}

func TestAuthenticate(t *testing.T) {
	e, issuer := newAuthEcho(t)

	token, err := issuer.Issue(&versioning.Session{ID: "s1", ClientID: "ign", ContributorType: versioning.ContributorIGN})
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "anonymous", wantStatus: http.StatusOK, wantBody: "anonymous"},
		{name: "valid token", header: "Bearer " + token, wantStatus: http.StatusOK, wantBody: "ign"},
		{name: "not a bearer token", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRequireSession(t *testing.T) {
	e, issuer := newAuthEcho(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/write", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := issuer.Issue(&versioning.Session{ID: "s1", ContributorType: versioning.ContributorViewer})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
