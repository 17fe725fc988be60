package handlers

import (
	"context"
	"io"
	"strconv"
	"time"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"
	"chatcontext/internal/services"

	"github.com/gofiber/fiber/v2"
)

// KnowledgeHandler handles the caller's knowledge fragments
type KnowledgeHandler struct {
	knowledge *services.KnowledgeService
	documents *services.DocumentService
	rag       *services.RAGService
}

// NewKnowledgeHandler creates a new knowledge handler
func NewKnowledgeHandler(knowledge *services.KnowledgeService, documents *services.DocumentService, rag *services.RAGService) *KnowledgeHandler {
	return &KnowledgeHandler{knowledge: knowledge, documents: documents, rag: rag}
}

// Create stores one fragment
// POST /api/knowledge
func (h *KnowledgeHandler) Create(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req models.CreateFragmentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()

	fragment, err := h.knowledge.Create(ctx, userID, req)
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("knowledge-api"), userID), err, "Failed to store fragment")
	}
	return c.Status(fiber.StatusCreated).JSON(fragment)
}

// UploadDocument ingests a multipart "file" as document fragments
// POST /api/knowledge/documents
func (h *KnowledgeHandler) UploadDocument(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}
	log := logging.WithUser(logging.Component("knowledge-api"), userID)

	header, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing file",
		})
	}
	if header.Size > services.MaxDocumentSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "File too large",
		})
	}

	file, err := header.Open()
	if err != nil {
		return respondError(c, log, err, "Failed to read upload")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, services.MaxDocumentSize+1))
	if err != nil {
		return respondError(c, log, err, "Failed to read upload")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Minute)
	defer cancel()

	result, err := h.documents.Ingest(ctx, userID, header.Filename, data)
	if err != nil {
		return respondError(c, log, err, "Failed to ingest document")
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

// List returns a page of fragments
// GET /api/knowledge?content_type=user_fact&page=1&page_size=20
func (h *KnowledgeHandler) List(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "20"))

	resp, err := h.knowledge.List(c.UserContext(), userID, c.Query("content_type"), page, pageSize)
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("knowledge-api"), userID), err, "Failed to list fragments")
	}
	return c.JSON(resp)
}

// Search previews what retrieval returns for a query
// GET /api/knowledge/search?q=...
func (h *KnowledgeHandler) Search(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()

	result, err := h.rag.Search(ctx, userID, c.Query("q"))
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("knowledge-api"), userID), err, "Search failed")
	}

	fragments := result.Fragments
	if fragments == nil {
		fragments = []models.ScoredFragment{}
	}
	return c.JSON(fiber.Map{
		"fragments": fragments,
		"degraded":  result.Degraded,
	})
}

// Stats returns fragment counts per content type
// GET /api/knowledge/stats
func (h *KnowledgeHandler) Stats(c *fiber.Ctx) error {
	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	stats, err := h.knowledge.Stats(c.UserContext(), userID)
	if err != nil {
		return respondError(c, logging.WithUser(logging.Component("knowledge-api"), userID), err, "Failed to load stats")
	}
	return c.JSON(stats)
}
