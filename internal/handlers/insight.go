package handlers

import (
	"strconv"

	"chatcontext/internal/logging"
	"chatcontext/internal/services"

	"github.com/gofiber/fiber/v2"
)

// InsightHandler exposes the caller's AI insight profile
type InsightHandler struct {
	insights *services.InsightService
}

// NewInsightHandler creates a new insight handler
func NewInsightHandler(insights *services.InsightService) *InsightHandler {
	return &InsightHandler{insights: insights}
}

// Profile returns the caller's profile
// GET /api/insights/profile
func (h *InsightHandler) Profile(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	profile, err := h.insights.GetProfile(c.UserContext(), userID)
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("insight-api"), userID), err, "Failed to load profile")
	}
	return c.JSON(profile)
}

// Log returns a page of the caller's profile audit log
// GET /api/insights/log?page=1&page_size=20
func (h *InsightHandler) Log(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "20"))

	resp, err := h.insights.ListLog(c.UserContext(), userID, page, pageSize)
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("insight-api"), userID), err, "Failed to load insight log")
	}
	return c.JSON(resp)
}
