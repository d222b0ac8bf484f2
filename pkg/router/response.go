package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
)

// ErrorResponse is the JSON body for every non-2xx response. The client
// contract is a single human-readable `error` field.
type ErrorResponse struct {
	Error string `json:"error"`
}

func logSuccess(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)

	if statusMessage == message || c.OriginalURL() == BaseURL {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, message))
	}
}

func logError(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)

	if statusMessage == message {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, message))
	}
}

func responseError(c *fiber.Ctx, code int, message string) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	logError(c, code, message)
	return c.Status(code).JSON(ErrorResponse{Error: message})
}

func ResponseSuccessWithData(c *fiber.Ctx, data interface{}) error {
	logSuccess(c, http.StatusOK, http.StatusText(http.StatusOK))
	return c.Status(http.StatusOK).JSON(data)
}

func ResponseSuccessWithHTML(c *fiber.Ctx, html string) error {
	logSuccess(c, http.StatusOK, http.StatusText(http.StatusOK))
	c.Type("html", "utf-8")
	return c.Status(http.StatusOK).SendString(html)
}

func ResponseSuccessWithPNG(c *fiber.Ctx, png []byte) error {
	logSuccess(c, http.StatusOK, http.StatusText(http.StatusOK))
	c.Type("png")
	return c.Status(http.StatusOK).Send(png)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusNotFound, message)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusUnauthorized, message)
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusBadRequest, message)
}

func ResponseTooManyRequests(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusTooManyRequests, message)
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusInternalServerError, message)
}

func ResponseServiceUnavailable(c *fiber.Ctx, message string) error {
	return responseError(c, http.StatusServiceUnavailable, message)
}
