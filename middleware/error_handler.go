package middleware

import (
	"errors"

	"etatdeslieux/utils"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler turns errors escaping the handlers into the JSON error shape.
// Anything that is not a fiber.Error is reported to Sentry.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Erreur interne du serveur"

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
		if code == fiber.StatusNotFound {
			message = "Ressource introuvable"
		}
		return utils.ErrorResponse(c, code, message, nil)
	}

	utils.LogError("unhandled_error", err, map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	})
	return utils.ErrorResponse(c, code, message, err)
}
