package utils

import (
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data fiber.Map) fiber.Map {
	response := fiber.Map{"success": true}
	for k, v := range data {
		response[k] = v
	}
	return response
}

// ParseBody decodes the JSON body into dst and validates it.
func ParseBody(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return err
	}
	return ValidateStruct(dst)
}
