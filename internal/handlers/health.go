package handlers

import (
	"context"
	"sort"
	"time"

	"chatcontext/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	checks      map[string]HealthCheck
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connManager *services.ConnectionManager, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{connManager: connManager, checks: checks}
}

// Handle responds with server health and the state of each dependency.
// Any failing dependency turns the response into a 503.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	dependencies := fiber.Map{}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = "unhealthy"
			dependencies[name] = fiber.Map{"status": "down", "error": err.Error()}
			continue
		}
		dependencies[name] = fiber.Map{"status": "up"}
	}

	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"connections":  h.connManager.Count(),
		"dependencies": dependencies,
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}
