package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"chatcontext/internal/document"
	"chatcontext/internal/logging"
	"chatcontext/internal/models"

	"github.com/sirupsen/logrus"
)

// MaxDocumentSize is the largest accepted upload
const MaxDocumentSize = 10 * 1024 * 1024

// DocumentService turns uploaded files into embedded document fragments
type DocumentService struct {
	store    KnowledgeStore
	embedder Embedder
	chunking document.ChunkOptions
	metrics  *Metrics
	now      func() time.Time
}

// NewDocumentService creates the ingestion service
func NewDocumentService(store KnowledgeStore, embedder Embedder, chunking document.ChunkOptions, metrics *Metrics) *DocumentService {
	return &DocumentService{
		store:    store,
		embedder: embedder,
		chunking: chunking,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Ingest extracts, chunks and embeds a document and stores every chunk as
// a document fragment of userID in one batch. A failed embedding aborts the
// whole ingest; nothing is stored without a vector.
func (s *DocumentService) Ingest(ctx context.Context, userID, filename string, data []byte) (*models.DocumentIngestResult, error) {
	log := logging.WithUser(logging.Component("documents"), userID).WithField("filename", filename)
	start := time.Now()

	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	if len(data) > MaxDocumentSize {
		return nil, fmt.Errorf("%w: file is %d bytes, limit is %d", ErrInvalidInput, len(data), MaxDocumentSize)
	}

	format, err := document.DetectFormat(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	text, err := document.ExtractText(format, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	chunks, truncated := document.Chunk(text, s.chunking)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document contains no text", ErrInvalidInput)
	}

	createdAt := s.now().UTC()
	fragments := make([]*models.KnowledgeFragment, 0, len(chunks))
	for i, chunk := range chunks {
		embedding, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			log.WithError(err).WithField("chunk", i).Warn("Document ingest aborted: embedding failed")
			return nil, fmt.Errorf("failed to embed chunk %d of %d: %w", i+1, len(chunks), err)
		}
		fragments = append(fragments, &models.KnowledgeFragment{
			UserID:      userID,
			Content:     chunk,
			ContentType: models.ContentTypeDocument,
			Embedding:   embedding,
			Topics:      document.ExtractKeywords(chunk, 5),
			Importance:  0.5,
			CreatedAt:   createdAt,
		})
	}

	if err := s.store.InsertBatch(ctx, fragments); err != nil {
		return nil, err
	}
	s.metrics.RecordFragmentsIngested(string(models.ContentTypeDocument), len(fragments))

	ids := make([]string, 0, len(fragments))
	for _, f := range fragments {
		ids = append(ids, f.ID)
	}

	log.WithFields(logrus.Fields{
		"format":      format,
		"chunks":      len(chunks),
		"characters":  utf8.RuneCountInString(text),
		"truncated":   truncated,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Document ingested")

	return &models.DocumentIngestResult{
		Filename:    filename,
		Format:      format,
		Chunks:      len(chunks),
		Characters:  utf8.RuneCountInString(text),
		FragmentIDs: ids,
		Truncated:   truncated,
	}, nil
}

// IsClientError reports whether err should be reported to the caller as a bad request
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
