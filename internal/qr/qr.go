package qr

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/auth"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/router"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

// stateJSON maps an activation snapshot to the polling contract: ready means
// no scan needed, qr carries the inline challenge image, waiting asks the
// caller to poll again.
func stateJSON(session *whatsapp.Session) (fiber.Map, error) {
	state, _ := session.Activation()
	switch state {
	case whatsapp.ActivationReady:
		return fiber.Map{"status": "ready", "message": "Already logged in"}, nil
	case whatsapp.ActivationQR:
		dataURL, err := session.ChallengeDataURL()
		if err != nil {
			return nil, err
		}
		return fiber.Map{"status": "qr", "qr": dataURL}, nil
	default:
		return fiber.Map{"status": "waiting", "message": "Waiting for QR; refresh in a few seconds"}, nil
	}
}

// GetAPIQR
// @Summary     Poll Activation State
// @Description Current activation snapshot for the authenticated tenant
// @Tags        Activation
// @Produce     json
// @Success     200
// @Router      /api/qr [get]
func GetAPIQR(c *fiber.Ctx) error {
	secret := c.Locals("secret").(string)

	session, err := whatsapp.Sessions.Resolve(secret)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to initialize session")
	}

	payload, err := stateJSON(session)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to render QR challenge")
	}
	return router.ResponseSuccessWithData(c, payload)
}

// GetQRPNG
// @Summary     Fetch Raw QR Image
// @Description Pending QR challenge as a PNG, 204 when none is pending
// @Tags        Activation
// @Produce     png
// @Success     200
// @Router      /api/qr.png [get]
func GetQRPNG(c *fiber.Ctx) error {
	secret := c.Locals("secret").(string)

	session, err := whatsapp.Sessions.Resolve(secret)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to initialize session")
	}

	png, err := session.ChallengePNG()
	if err != nil {
		if errors.Is(err, whatsapp.ErrNoChallenge) {
			return router.ResponseNoContent(c)
		}
		return router.ResponseInternalError(c, "Failed to render QR challenge")
	}
	return router.ResponseSuccessWithPNG(c, png)
}

// GetQRPage serves the self-refreshing activation page. The page itself is
// public; its embedded script forwards the secret from the query string, so
// the JSON variant of this route still authenticates.
func GetQRPage(c *fiber.Ctx) error {
	if wantsJSON(c) {
		secret, ok := auth.ResolveSecret(c.Query("secret"))
		if !ok {
			return router.ResponseUnauthorized(c, "Invalid secret")
		}
		session, err := whatsapp.Sessions.Resolve(secret)
		if err != nil {
			return router.ResponseInternalError(c, "Failed to initialize session")
		}
		payload, err := stateJSON(session)
		if err != nil {
			return router.ResponseInternalError(c, "Failed to render QR challenge")
		}
		return router.ResponseSuccessWithData(c, payload)
	}

	return router.ResponseSuccessWithHTML(c, qrPageHTML)
}

func wantsJSON(c *fiber.Ctx) bool {
	if strings.EqualFold(c.Query("format"), "json") {
		return true
	}
	return c.Accepts("text/html", "application/json") == "application/json"
}

const qrPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>WhatsApp Activation</title>
<style>
  body { font-family: system-ui, sans-serif; background: #111b21; color: #e9edef;
         display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
  .card { background: #202c33; border-radius: 12px; padding: 32px; text-align: center; max-width: 360px; }
  h1 { font-size: 1.2rem; margin: 0 0 8px; }
  p { color: #8696a0; font-size: 0.9rem; }
  img { width: 256px; height: 256px; background: #fff; border-radius: 8px; padding: 8px; }
  .hidden { display: none; }
  .hint { color: #f5c842; }
</style>
</head>
<body>
<div class="card">
  <h1>Link your WhatsApp</h1>
  <p id="status">Preparing QR code&hellip;</p>
  <img id="qr" class="hidden" alt="QR code">
  <p id="hint" class="hint hidden">Still working on it. This can take up to a minute on first start.</p>
</div>
<script>
  var params = new URLSearchParams(location.search);
  var secret = params.get('secret') || '';
  var started = Date.now();
  var statusEl = document.getElementById('status');
  var qrEl = document.getElementById('qr');
  var hintEl = document.getElementById('hint');

  function poll() {
    fetch('api/qr?secret=' + encodeURIComponent(secret))
      .then(function (res) {
        if (res.status === 401) { throw new Error('Invalid secret'); }
        return res.json();
      })
      .then(function (data) {
        if (data.status === 'ready') {
          qrEl.classList.add('hidden');
          hintEl.classList.add('hidden');
          statusEl.textContent = 'Already logged in. You can close this page.';
          return;
        }
        if (data.status === 'qr') {
          qrEl.src = data.qr;
          qrEl.classList.remove('hidden');
          hintEl.classList.add('hidden');
          statusEl.textContent = 'Scan this code with WhatsApp on your phone.';
        } else {
          statusEl.textContent = data.message || 'Waiting for QR code…';
          if (Date.now() - started > 60000) {
            hintEl.classList.remove('hidden');
          }
        }
        setTimeout(poll, 2500);
      })
      .catch(function (err) {
        statusEl.textContent = err.message || 'Something went wrong.';
        setTimeout(poll, 2500);
      });
  }
  poll();
</script>
</body>
</html>`
