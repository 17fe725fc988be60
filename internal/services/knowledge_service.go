package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatcontext/internal/document"
	"chatcontext/internal/logging"
	"chatcontext/internal/models"
)

const (
	// MaxFragmentLength bounds manually created fragments
	MaxFragmentLength = 8000

	defaultFragmentImportance = 0.5
)

// KnowledgeService exposes a user's knowledge to the API
type KnowledgeService struct {
	store    KnowledgeStore
	embedder Embedder
	metrics  *Metrics
}

// NewKnowledgeService creates the knowledge service
func NewKnowledgeService(store KnowledgeStore, embedder Embedder, metrics *Metrics) *KnowledgeService {
	return &KnowledgeService{store: store, embedder: embedder, metrics: metrics}
}

// Create stores a fragment for userID. When no embedding can be obtained the
// fragment is stored without one and stays reachable by exact match.
func (s *KnowledgeService) Create(ctx context.Context, userID string, req models.CreateFragmentRequest) (*models.KnowledgeFragment, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxFragmentLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidInput, MaxFragmentLength)
	}

	contentType := models.ContentType(req.ContentType)
	if req.ContentType == "" {
		contentType = models.ContentTypeUserFact
	}

	importance := defaultFragmentImportance
	if req.Importance != nil {
		importance = *req.Importance
	}

	topics := req.Topics
	if len(topics) == 0 {
		topics = document.ExtractKeywords(content, 5)
	}

	fragment := &models.KnowledgeFragment{
		UserID:      userID,
		Content:     content,
		ContentType: contentType,
		Topics:      topics,
		Sentiment:   req.Sentiment,
		Importance:  importance,
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		logging.WithUser(logging.Component("knowledge"), userID).WithError(err).
			Warn("Storing fragment without embedding")
	} else {
		fragment.Embedding = embedding
	}

	if err := s.store.Insert(ctx, fragment); err != nil {
		return nil, err
	}
	s.metrics.RecordFragmentsIngested(string(contentType), 1)
	return fragment, nil
}

// List returns a page of the user's fragments, optionally filtered by type
func (s *KnowledgeService) List(ctx context.Context, userID, contentType string, page, pageSize int) (*models.FragmentListResponse, error) {
	ct := models.ContentType(contentType)
	if contentType != "" && !ct.Valid() {
		return nil, fmt.Errorf("%w: unknown content type %q", ErrInvalidInput, contentType)
	}

	page, pageSize = normalizePage(page, pageSize)
	fragments, total, err := s.store.List(ctx, userID, ct, page, pageSize)
	if err != nil {
		return nil, err
	}
	if fragments == nil {
		fragments = []models.KnowledgeFragment{}
	}
	return &models.FragmentListResponse{
		Fragments: fragments,
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
	}, nil
}

// Stats returns fragment counts for the user
func (s *KnowledgeService) Stats(ctx context.Context, userID string) (*models.KnowledgeStats, error) {
	return s.store.Stats(ctx, userID)
}
