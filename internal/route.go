package internal

import (
	"github.com/gofiber/fiber/v2"
	swagger "github.com/gofiber/swagger"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/auth"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/router"

	ctlHealth "github.com/gdbrns/go-whatsapp-fallback-rest-api/internal/health"
	ctlIndex "github.com/gdbrns/go-whatsapp-fallback-rest-api/internal/index"
	ctlQR "github.com/gdbrns/go-whatsapp-fallback-rest-api/internal/qr"
	ctlSend "github.com/gdbrns/go-whatsapp-fallback-rest-api/internal/send"
)

func Routes(app *fiber.App) {
	// Configure OpenAPI / Swagger
	specURL := router.BaseURL + "/docs/swagger.json"
	swaggerHandler := swagger.New(swagger.Config{
		URL: specURL,
	})

	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// Route for OpenAPI / Swagger
	// ---------------------------------------------
	app.Get(router.BaseURL+"/docs/swagger.json", func(c *fiber.Ctx) error {
		return c.SendFile("docs/swagger.json")
	})
	app.Get(router.BaseURL+"/docs/*", swaggerHandler)

	// Unauthenticated Routes
	// ---------------------------------------------
	app.Get(router.BaseURL+"/health", ctlHealth.GetHealth)
	app.Get(router.BaseURL+"/qr", ctlQR.GetQRPage)

	// Tenant Routes (secret authentication)
	// ---------------------------------------------
	secretMiddleware := auth.SecretAuth()

	app.Get(router.BaseURL+"/api/qr", secretMiddleware, ctlQR.GetAPIQR)
	app.Get(router.BaseURL+"/api/qr.png", secretMiddleware, ctlQR.GetQRPNG)
	app.Get(router.BaseURL+"/status", secretMiddleware, ctlSend.GetStatus)
	app.Post(router.BaseURL+"/send", secretMiddleware, ctlSend.PostSend)
}
