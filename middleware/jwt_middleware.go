package middleware

import (
	"strings"

	"etatdeslieux/utils"

	"github.com/gofiber/fiber/v2"
)

// Protected guards staff routes. The token is read from the Authorization
// header, then the access_token cookie, then the token query parameter
// (browsers cannot set headers on websocket upgrades).
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Format d'autorisation invalide", nil)
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				token = c.Query("token")
			}
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authentification requise", nil)
			}
		}

		claims, err := utils.ParseJWTToken(token, secret)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Jeton invalide ou expiré", nil)
		}

		c.Locals("staffID", claims.StaffID)
		c.Locals("role", claims.Role)
		return c.Next()
	}
}
