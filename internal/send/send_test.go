package send

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/auth"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/router"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

type fakeHandle struct {
	sent     []string
	failWith error
}

func (f *fakeHandle) SendText(ctx context.Context, phoneDigits string, message string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.sent = append(f.sent, phoneDigits)
	return nil
}

func (f *fakeHandle) Connected() bool { return true }
func (f *fakeHandle) LoggedIn() bool  { return true }
func (f *fakeHandle) Disconnect()     {}

func swapRegistry(t *testing.T, ready bool, handle whatsapp.Handle) {
	t.Helper()

	origSessions := whatsapp.Sessions
	origSecret := auth.LegacySecret
	auth.LegacySecret = ""

	whatsapp.Sessions = whatsapp.NewRegistry(func(tenantID string, notify func(whatsapp.LifecycleEvent, string)) (whatsapp.Handle, error) {
		if ready {
			notify(whatsapp.EventReady, "")
		}
		return handle, nil
	})

	t.Cleanup(func() {
		whatsapp.Sessions = origSessions
		auth.LegacySecret = origSecret
	})
}

func newTestApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: router.HttpErrorHandler})
	app.Post("/send", auth.SecretAuth(), PostSend)
	app.Get("/status", auth.SecretAuth(), GetStatus)
	return app
}

func postSend(t *testing.T, app *fiber.App, target string, payload interface{}) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestPostSendRequiresSecret(t *testing.T) {
	swapRegistry(t, true, &fakeHandle{})
	app := newTestApp()

	resp := postSend(t, app, "/send", fiber.Map{
		"message":    "hi",
		"recipients": []fiber.Map{{"phone": "15551110001"}},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp, &body)
	assert.NotEmpty(t, body.Error)
}

func TestPostSendSecretFromBody(t *testing.T) {
	handle := &fakeHandle{}
	swapRegistry(t, true, handle)
	app := newTestApp()

	resp := postSend(t, app, "/send", fiber.Map{
		"secret":     "tenant-secret",
		"message":    "hi",
		"recipients": []fiber.Map{{"phone": "+1 555 111 0001", "contact_id": "c1"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"15551110001"}, handle.sent)
}

func TestPostSendNotReady(t *testing.T) {
	swapRegistry(t, false, &fakeHandle{})
	app := newTestApp()

	resp := postSend(t, app, "/send?secret=tenant-secret", fiber.Map{
		"message":    "hi",
		"recipients": []fiber.Map{{"phone": "15551110001"}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "WhatsApp session is not ready", body.Error)
}

func TestPostSendValidatesBody(t *testing.T) {
	swapRegistry(t, true, &fakeHandle{})
	app := newTestApp()

	resp := postSend(t, app, "/send?secret=tenant-secret", fiber.Map{
		"recipients": []fiber.Map{{"phone": "15551110001"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postSend(t, app, "/send?secret=tenant-secret", fiber.Map{
		"message": "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostSendPerRecipientResults(t *testing.T) {
	handle := &fakeHandle{}
	swapRegistry(t, true, handle)
	app := newTestApp()

	resp := postSend(t, app, "/send?secret=tenant-secret", fiber.Map{
		"message": "hi",
		"recipients": []fiber.Map{
			{"phone": "15551110001", "contact_id": "c1"},
			{"phone": "garbage", "contact_id": "c2"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []whatsapp.SendResult `json:"results"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Results, 2)

	assert.Equal(t, "c1", body.Results[0].ContactID)
	assert.True(t, body.Results[0].Success)

	assert.Equal(t, "c2", body.Results[1].ContactID)
	assert.False(t, body.Results[1].Success)
	assert.Equal(t, "Invalid phone", body.Results[1].Error)

	assert.Equal(t, []string{"15551110001"}, handle.sent)
}

func TestPostSendDriverFailureIsolated(t *testing.T) {
	swapRegistry(t, true, &fakeHandle{failWith: errors.New("upstream refused")})
	app := newTestApp()

	resp := postSend(t, app, "/send?secret=tenant-secret", fiber.Map{
		"message":    "hi",
		"recipients": []fiber.Map{{"phone": "15551110001", "contact_id": "c1"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []whatsapp.SendResult `json:"results"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Results, 1)
	assert.False(t, body.Results[0].Success)
	assert.Equal(t, "upstream refused", body.Results[0].Error)
}

func TestGetStatus(t *testing.T) {
	swapRegistry(t, false, &fakeHandle{})
	app := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/status?secret=tenant-secret", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Ready bool `json:"ready"`
	}
	decodeJSON(t, resp, &body)
	assert.False(t, body.Ready)
}

func TestGetStatusReady(t *testing.T) {
	swapRegistry(t, true, &fakeHandle{})
	app := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/status?secret=tenant-secret", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Ready bool `json:"ready"`
	}
	decodeJSON(t, resp, &body)
	assert.True(t, body.Ready)
}

func TestGetStatusRequiresSecret(t *testing.T) {
	swapRegistry(t, true, &fakeHandle{})
	app := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
