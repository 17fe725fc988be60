package handlers

import (
	"errors"

	"chatcontext/internal/middleware"
	"chatcontext/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// statusFor maps a service error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrGenerationFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, services.ErrEmbeddingUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// respondError writes {"error": ...}. Validation errors echo their message;
// server-side failures get the generic message and are logged.
func respondError(c *fiber.Ctx, log *logrus.Entry, err error, message string) error {
	status := statusFor(err)
	switch status {
	case fiber.StatusBadRequest:
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	case fiber.StatusNotFound:
		return c.Status(status).JSON(fiber.Map{"error": "Not found"})
	}
	log.WithError(err).WithField("status", status).Error(message)
	return c.Status(status).JSON(fiber.Map{"error": message})
}

// requireUser returns the authenticated user id or writes a 401
func requireUser(c *fiber.Ctx) (string, bool) {
	userID := middleware.UserID(c)
	if userID == "" {
		_ = c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
		return "", false
	}
	return userID, true
}
