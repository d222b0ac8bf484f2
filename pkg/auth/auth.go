package auth

import (
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/env"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/router"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

// LegacySecret pins the service to a single tenant when set. With it unset the
// service runs multi-tenant and any non-empty secret names its own session.
var LegacySecret string

func init() {
	LegacySecret, _ = env.GetEnvString("SECRET")
}

// MultiTenant reports whether arbitrary secrets are accepted.
func MultiTenant() bool {
	return LegacySecret == ""
}

// ResolveSecret checks a presented secret against the tenancy mode. In legacy
// mode only the exact configured secret passes; in multi-tenant mode any
// non-empty secret does.
func ResolveSecret(secret string) (string, bool) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", false
	}
	if !MultiTenant() {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(LegacySecret)) != 1 {
			return "", false
		}
		return LegacySecret, true
	}
	return secret, true
}

// SecretAuth extracts the tenant secret from the secret query parameter or,
// for POST bodies, the secret JSON field. On success the secret and derived
// tenant identifier land in request locals.
func SecretAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := c.Query("secret")
		if secret == "" {
			secret = secretFromBody(c.Body())
		}

		resolved, ok := ResolveSecret(secret)
		if !ok {
			return router.ResponseUnauthorized(c, "Invalid secret")
		}

		c.Locals("secret", resolved)
		c.Locals("tenant_id", whatsapp.TenantID(resolved))
		return c.Next()
	}
}

func secretFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Secret
}
