package health

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/auth"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/router"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

// GetHealth
// @Summary     Show Service Health
// @Description Liveness plus an aggregate readiness snapshot, no authentication
// @Tags        Root
// @Produce     json
// @Success     200
// @Router      /health [get]
func GetHealth(c *fiber.Ctx) error {
	return router.ResponseSuccessWithData(c, fiber.Map{
		"ok":               true,
		"ready":            whatsapp.Sessions.AnyReady(),
		"multiTenant":      auth.MultiTenant(),
		"driverConfigured": whatsapp.DriverConfigured(),
	})
}
