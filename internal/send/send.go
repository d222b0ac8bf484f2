package send

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rivo/uniseg"

	typWhatsApp "github.com/gdbrns/go-whatsapp-fallback-rest-api/internal/types"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/router"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/whatsapp"
)

// PostSend
// @Summary     Send a Message to Many Recipients
// @Description Paced sequential dispatch with one result per recipient
// @Tags        Messaging
// @Accept      json
// @Produce     json
// @Success     200
// @Router      /send [post]
func PostSend(c *fiber.Ctx) error {
	secret := c.Locals("secret").(string)

	session, err := whatsapp.Sessions.Resolve(secret)
	if err != nil {
		log.Print(c).WithError(err).Error("Session initialization failed")
		return router.ResponseInternalError(c, "Failed to initialize session")
	}

	if !session.Ready() {
		return router.ResponseServiceUnavailable(c, whatsapp.ErrSessionNotReady.Error())
	}

	var reqSend typWhatsApp.RequestSend
	if err := c.BodyParser(&reqSend); err != nil {
		return router.ResponseBadRequest(c, "Invalid JSON body")
	}
	if reqSend.Message == "" || len(reqSend.Recipients) == 0 {
		return router.ResponseBadRequest(c, "message and recipients are required")
	}

	log.Session(session.TenantID()).
		WithField("recipients", len(reqSend.Recipients)).
		WithField("text_length", uniseg.GraphemeClusterCount(reqSend.Message)).
		Info("Dispatch batch accepted")

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	results, err := session.Dispatch(ctx, reqSend.Message, reqSend.Recipients)
	if err != nil {
		if errors.Is(err, whatsapp.ErrSessionNotReady) {
			return router.ResponseServiceUnavailable(c, err.Error())
		}
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccessWithData(c, fiber.Map{
		"results": results,
	})
}

// GetStatus
// @Summary     Show Tenant Session Readiness
// @Description Boolean readiness of the authenticated tenant session
// @Tags        Messaging
// @Produce     json
// @Success     200
// @Router      /status [get]
func GetStatus(c *fiber.Ctx) error {
	secret := c.Locals("secret").(string)

	session, err := whatsapp.Sessions.Resolve(secret)
	if err != nil {
		return router.ResponseSuccessWithData(c, fiber.Map{"ready": false})
	}
	return router.ResponseSuccessWithData(c, fiber.Map{"ready": session.Ready()})
}
