package qr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/auth"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/router"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

type idleHandle struct{}

func (idleHandle) SendText(ctx context.Context, phoneDigits string, message string) error {
	return nil
}
func (idleHandle) Connected() bool { return false }
func (idleHandle) LoggedIn() bool  { return false }
func (idleHandle) Disconnect()     {}

// swapRegistry installs a fake-backed registry and returns the captured
// lifecycle callback of the first created session.
func swapRegistry(t *testing.T) *func(whatsapp.LifecycleEvent, string) {
	t.Helper()

	origSessions := whatsapp.Sessions
	origSecret := auth.LegacySecret
	auth.LegacySecret = ""

	var notifyFn func(whatsapp.LifecycleEvent, string)
	whatsapp.Sessions = whatsapp.NewRegistry(func(tenantID string, notify func(whatsapp.LifecycleEvent, string)) (whatsapp.Handle, error) {
		notifyFn = notify
		return idleHandle{}, nil
	})

	t.Cleanup(func() {
		whatsapp.Sessions = origSessions
		auth.LegacySecret = origSecret
	})
	return &notifyFn
}

func newTestApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: router.HttpErrorHandler})
	app.Get("/qr", GetQRPage)
	app.Get("/api/qr", auth.SecretAuth(), GetAPIQR)
	app.Get("/api/qr.png", auth.SecretAuth(), GetQRPNG)
	return app
}

func getJSON(t *testing.T, app *fiber.App, target string) (int, map[string]string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := map[string]string{}
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp.StatusCode, body
}

func TestAPIQRRequiresSecret(t *testing.T) {
	swapRegistry(t)
	app := newTestApp()

	status, body := getJSON(t, app, "/api/qr")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, body["error"])
}

func TestAPIQRActivationProgression(t *testing.T) {
	notify := swapRegistry(t)
	app := newTestApp()

	// First contact creates the session; nothing to scan yet.
	status, body := getJSON(t, app, "/api/qr?secret=tenant-secret")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting", body["status"])
	assert.NotEmpty(t, body["message"])

	(*notify)(whatsapp.EventChallenge, "2@abcdefg,hijklmn")

	status, body = getJSON(t, app, "/api/qr?secret=tenant-secret")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "qr", body["status"])
	assert.True(t, strings.HasPrefix(body["qr"], "data:image/png;base64,"))

	(*notify)(whatsapp.EventReady, "")

	status, body = getJSON(t, app, "/api/qr?secret=tenant-secret")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "Already logged in", body["message"])
	assert.Empty(t, body["qr"])
}

func TestQRPNG(t *testing.T) {
	notify := swapRegistry(t)
	app := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/api/qr.png?secret=tenant-secret", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	(*notify)(whatsapp.EventChallenge, "2@abcdefg,hijklmn")

	req = httptest.NewRequest(http.MethodGet, "/api/qr.png?secret=tenant-secret", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "image/png")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), raw[:4])
}

func TestQRPageServesHTMLWithoutSecret(t *testing.T) {
	swapRegistry(t)
	app := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/qr", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	page := string(raw)
	assert.Contains(t, page, "api/qr")
	assert.Contains(t, page, "2500")
}

func TestQRPageJSONVariantAuthenticates(t *testing.T) {
	swapRegistry(t)
	app := newTestApp()

	status, body := getJSON(t, app, "/qr?format=json")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, body["error"])

	status, body = getJSON(t, app, "/qr?format=json&secret=tenant-secret")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting", body["status"])
}
