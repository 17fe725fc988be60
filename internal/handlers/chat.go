package handlers

import (
	"context"
	"time"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"
	"chatcontext/internal/services"

	"github.com/gofiber/fiber/v2"
)

// ChatHandler answers chat messages over HTTP
type ChatHandler struct {
	rag     *services.RAGService
	timeout time.Duration
}

// NewChatHandler creates a chat handler with a per-request timeout
func NewChatHandler(rag *services.RAGService, timeout time.Duration) *ChatHandler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChatHandler{rag: rag, timeout: timeout}
}

// Chat answers one message
// POST /api/chat {message, history}
func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.UserID = userID

	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	resp, err := h.rag.Answer(ctx, req)
	if err != nil {
		log := logging.WithUser(logging.Component("chat-api"), userID)
		return respondError(c, log, err, "Failed to generate an answer")
	}
	return c.JSON(resp)
}
