package middleware

import (
	"chatcontext/internal/logging"
	"chatcontext/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// DevUserID is the identity used when no JWT secret is configured outside production
const DevUserID = "dev-user"

// LocalAuthMiddleware verifies local JWT tokens and stores the subject as user_id.
// Supports both Authorization header and query parameter (for WebSocket connections).
func LocalAuthMiddleware(jwtAuth *auth.LocalJWTAuth, environment string) fiber.Handler {
	log := logging.Component("auth")

	return func(c *fiber.Ctx) error {
		if jwtAuth == nil {
			if environment != "development" && environment != "testing" {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "Authentication service unavailable",
				})
			}
			c.Locals("user_id", DevUserID)
			return c.Next()
		}

		var token string
		if header := c.Get(fiber.HeaderAuthorization); header != "" {
			if extracted, err := auth.ExtractToken(header); err == nil {
				token = extracted
			}
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
			})
		}

		user, err := jwtAuth.VerifyAccessToken(token)
		if err != nil {
			log.WithError(err).WithField("path", c.Path()).Debug("Token rejected")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("user_id", user.ID)
		return c.Next()
	}
}

// UserID returns the authenticated user id set by LocalAuthMiddleware
func UserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}
