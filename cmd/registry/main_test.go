package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/odorie/api-gestion-poc/cmd/registry/container"
	registry "github.com/odorie/api-gestion-poc/cmd/registry/models"
	"github.com/odorie/api-gestion-poc/common/bootstrap"
	"github.com/odorie/api-gestion-poc/common/config"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	e      *echo.Echo
	c      *container.Container
	admin  string
	viewer string
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Service:    config.ServiceConfig{Name: serviceName, Port: 8080},
		Cache:      config.CacheConfig{Enabled: true},
		Queue:      config.QueueConfig{Type: "memory", BufferSize: 100},
		Events:     config.EventsConfig{Backend: "queue", Topic: "versioning.diffs"},
		Versioning: config.VersioningConfig{DiffEnabled: true},
		Auth:       config.AuthConfig{JWTSecret: "test-secret", Issuer: "api-gestion", TokenTTL: time.Hour},
	}

	components, err := bootstrap.Setup(ctx, serviceName,
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithCustomLogger(logger.Discard()),
		bootstrap.WithoutDB(),
		bootstrap.WithoutTelemetry(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = components.Shutdown(context.Background()) })

	kinds, err := registry.NewRegistry()
	require.NoError(t, err)

	c, err := container.NewContainer(components, versioning.NewMemoryStore(kinds))
	require.NoError(t, err)

	admin, err := c.Issuer.Issue(&versioning.Session{ID: "s-admin", ClientID: "client-a", ContributorType: versioning.ContributorAdmin})
	require.NoError(t, err)
	viewer, err := c.Issuer.Issue(&versioning.Session{ID: "s-viewer", ClientID: "client-v", ContributorType: versioning.ContributorViewer})
	require.NoError(t, err)

	return &testAPI{e: newEcho(c), c: c, admin: admin, viewer: viewer}
}

func (api *testAPI) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	api.e.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (api *testAPI) create(t *testing.T, name, insee string) int64 {
	t.Helper()
	rec, body := api.do(t, http.MethodPost, "/api/v1/municipality",
		fmt.Sprintf(`{"name":%q,"insee":%q}`, name, insee), api.admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return int64(body["id"].(float64))
}

func TestHealth(t *testing.T) {
	api := setupAPI(t)

	api.create(t, "Melun", "77288")
	rec, _ := api.do(t, http.MethodGet, "/api/v1/municipality/insee:77288", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := api.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	stats, ok := body["cache"].(map[string]any)
	require.True(t, ok, "health reports cache stats")
	assert.Equal(t, "memory", stats["type"])
	assert.Contains(t, stats, "hits")
	assert.Contains(t, stats, "misses")
}

func TestCreateAndUpdate(t *testing.T) {
	api := setupAPI(t)

	rec, _ := api.do(t, http.MethodPost, "/api/v1/municipality", `{"name":"Melun"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "writes need a session")

	rec, _ = api.do(t, http.MethodPost, "/api/v1/municipality", `{"name":"Melun"}`, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	id := api.create(t, "Moret-sur-Loing", "77316")

	rec, body := api.do(t, http.MethodGet, "/api/v1/municipality/insee:77316", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(id), body["id"])
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, "s-admin", body["created_by"])

	path := fmt.Sprintf("/api/v1/municipality/%d", id)
	rec, body = api.do(t, http.MethodPatch, path, `{"version":1,"insee":"77999"}`, api.admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), body["version"])
	assert.Equal(t, "Moret-sur-Loing", body["name"])
	assert.Equal(t, "77999", body["insee"])

	rec, _ = api.do(t, http.MethodPatch, path, `{"version":1,"name":"Stale"}`, api.admin)
	assert.Equal(t, http.StatusConflict, rec.Code, "stale version")

	rec, _ = api.do(t, http.MethodPatch, path, `{"name":"No version"}`, api.admin)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = api.do(t, http.MethodPatch, path, `{"version":2,"mayor":"x"}`, api.admin)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "unknown field")

	rec, _ = api.do(t, http.MethodPost, "/api/v1/municipality", `{"name":"Copy","insee":"77999"}`, api.admin)
	assert.Equal(t, http.StatusConflict, rec.Code, "duplicate insee")

	rec, _ = api.do(t, http.MethodGet, "/api/v1/village/1", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/v1/municipality/name:Melun", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "name is not an identifier")
}

func TestRedirects(t *testing.T) {
	api := setupAPI(t)

	first := api.create(t, "Orvanne", "77001")
	second := api.create(t, "Moret", "77002")

	rec, _ := api.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/municipality/%d", first), `{"version":1,"insee":"77003"}`, api.admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := api.do(t, http.MethodGet, "/api/v1/municipality/insee:77001/versions", "", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	want := fmt.Sprintf("/api/v1/municipality/%d/versions", first)
	assert.Equal(t, want, rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, want, body["location"])

	for _, id := range []int64{first, second} {
		rec, _ = api.do(t, http.MethodPost, fmt.Sprintf("/api/v1/municipality/%d/redirects", id),
			`{"identifier":"insee","value":"77777"}`, api.admin)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec, body = api.do(t, http.MethodGet, "/api/v1/municipality/insee:77777", "", "")
	assert.Equal(t, http.StatusMultipleChoices, rec.Code)
	assert.Len(t, body["choices"], 2)

	rec, _ = api.do(t, http.MethodPost, fmt.Sprintf("/api/v1/municipality/%d/redirects", second),
		`{"identifier":"insee","value":"77002"}`, api.admin)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "self redirect")

	rec, _ = api.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/municipality/%d/redirects?identifier=insee&value=77777", second), "", api.admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/v1/municipality/insee:77777", "", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/v1/municipality/insee:00000", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVersionsAndFlags(t *testing.T) {
	api := setupAPI(t)

	id := api.create(t, "Melun", "77288")
	base := fmt.Sprintf("/api/v1/municipality/%d", id)

	rec, _ := api.do(t, http.MethodPatch, base, `{"version":1,"name":"Melun-Centre"}`, api.admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := api.do(t, http.MethodGet, base+"/versions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total"])

	for i := 0; i < 2; i++ {
		rec, body = api.do(t, http.MethodGet, base+"/versions/1", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Melun", body["data"].(map[string]any)["name"])
		assert.NotNil(t, body["valid_to"])
	}

	rec, _ = api.do(t, http.MethodGet, base+"/versions/9", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = api.do(t, http.MethodGet, base+"/versions/zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodPost, base+"/versions/1/flag", "", api.viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = api.do(t, http.MethodPost, base+"/versions/1/flag", "", api.admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	flags := body["flags"].([]any)
	require.Len(t, flags, 1)
	assert.Equal(t, "admin", flags[0].(map[string]any)["by"])

	rec, body = api.do(t, http.MethodDelete, base+"/versions/1/flag", "", api.admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["flags"])

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rec, body = api.do(t, http.MethodGet, base+"/at?t="+now, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["sequence"])

	rec, _ = api.do(t, http.MethodGet, base+"/at?t=yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedAndDelete(t *testing.T) {
	api := setupAPI(t)

	id := api.create(t, "Melun", "77288")
	base := fmt.Sprintf("/api/v1/municipality/%d", id)

	rec, _ := api.do(t, http.MethodPatch, base, `{"version":1,"insee":"77289"}`, api.admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := api.do(t, http.MethodGet, "/api/v1/diffs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(2), body["total"])
	diffs := body["collection"].([]any)
	first := diffs[0].(map[string]any)
	assert.Equal(t, "municipality", first["resource"])
	assert.Nil(t, first["old"])
	assert.Equal(t, "Melun", first["new"].(map[string]any)["name"])

	rec, body = api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/diffs?since=%v", first["increment"]), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, _ = api.do(t, http.MethodGet, "/api/v1/diffs?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = api.do(t, http.MethodGet, "/api/v1/anomalies?kind=insee_change", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, _ = api.do(t, http.MethodDelete, base, "", api.admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = api.do(t, http.MethodGet, base, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = api.do(t, http.MethodGet, "/api/v1/diffs?resource=municipality", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["total"])
}
