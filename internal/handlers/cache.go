package handlers

import (
	"chatcontext/internal/logging"
	"chatcontext/internal/services"

	"github.com/gofiber/fiber/v2"
)

// CacheHandler exposes the caller's semantic cache
type CacheHandler struct {
	cache *services.SemanticCacheService
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(cache *services.SemanticCacheService) *CacheHandler {
	return &CacheHandler{cache: cache}
}

// Stats returns entry and hit counts
// GET /api/cache/stats
func (h *CacheHandler) Stats(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	stats, err := h.cache.Stats(c.UserContext(), userID)
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("cache-api"), userID), err, "Failed to load cache stats")
	}
	return c.JSON(stats)
}

// Invalidate drops every cached answer of the caller
// DELETE /api/cache
func (h *CacheHandler) Invalidate(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	removed, err := h.cache.Invalidate(c.UserContext(), userID)
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("cache-api"), userID), err, "Failed to invalidate cache")
	}
	return c.JSON(fiber.Map{"removed": removed})
}
