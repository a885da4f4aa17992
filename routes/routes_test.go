package routes

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"etatdeslieux/config"
	controller "etatdeslieux/controllers"
	"etatdeslieux/store"
	"etatdeslieux/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "routes-secret"

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		s.Close()
		mr.Close()
	})

	return NewApp(Dependencies{
		Config: &config.Config{
			JWTSecret:          testSecret,
			SiteRootURL:        "/",
			RateLimitPerMinute: 3,
		},
		Store: s,
		Feed:  controller.NewLiveFeed(),
	})
}

func do(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestPublicRoutesConventions(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app, http.MethodOptions, "/api/add-to-contacted", "", map[string]string{"Origin": "https://webmail.example.com"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = do(t, app, http.MethodPost, "/api/get-delivered-emails", `{"campaignId":"c1"}`, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"deliveredEmails":[]}`, string(body))
}

func TestUnknownCampaignThroughRouter(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app, http.MethodPost, "/api/get-failed-emails", `{"campaignId":"c1"}`, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"success":false,"error":"Campagne non trouvée","failedEmails":[]}`, string(body))

	resp = do(t, app, http.MethodPost, "/api/add-to-contacted", `{"email":"a@example.fr","campaignId":"c1"}`, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = do(t, app, http.MethodPost, "/api/get-delivered-emails", `{"campaignId":"c1"}`, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = do(t, app, http.MethodPost, "/api/add-to-contacted", `{"email":"a@example.fr","campaignId":"c1"}`, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app, http.MethodPost, "/api/add-to-contacted", `{"email":`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSuppressionRoutesAreRateLimited(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 3; i++ {
		resp := do(t, app, http.MethodPost, "/api/check-unsubscribed", `{"email":"a@example.fr"}`, nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	resp := do(t, app, http.MethodPost, "/api/check-unsubscribed", `{"email":"a@example.fr"}`, nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	for i := 0; i < 10; i++ {
		resp := do(t, app, http.MethodGet, "/api/track-open?cid=c1&email=a%40example.fr", "", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app, http.MethodGet, "/api/admin/campaigns/c1", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, err := utils.GenerateStaffToken(testSecret, "staff-1", "admin", time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp = do(t, app, http.MethodGet, "/api/admin/campaigns/c1", "", auth)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = do(t, app, http.MethodGet, "/api/admin/live", "", auth)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	// dispatch is only mounted when SMTP is configured
	resp = do(t, app, http.MethodPost, "/api/admin/newsletters/send", `{}`, auth)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestOperationalRoutes(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app, http.MethodGet, "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = do(t, app, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "go_goroutines")

	resp = do(t, app, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"success":false,"error":"Route introuvable"}`, string(body))
}
