package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatcontext/internal/models"

	"github.com/google/uuid"
)

// KnowledgeStore persists per-user knowledge fragments.
// Every method is scoped to a single user; no method reads across users.
type KnowledgeStore interface {
	Insert(ctx context.Context, fragment *models.KnowledgeFragment) error
	InsertBatch(ctx context.Context, fragments []*models.KnowledgeFragment) error

	// Candidates returns the user's fragments that either contain queryText
	// (case-insensitive) or have cosine similarity above minSimilarity.
	// With a nil queryEmbedding only exact matches are returned.
	Candidates(ctx context.Context, userID, queryText string, queryEmbedding []float32, minSimilarity float64, limit int) ([]models.CandidateFragment, error)

	TouchAccess(ctx context.Context, userID string, ids []string) error
	List(ctx context.Context, userID string, contentType models.ContentType, page, pageSize int) ([]models.KnowledgeFragment, int64, error)
	Stats(ctx context.Context, userID string) (*models.KnowledgeStats, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// prepareFragment fills defaults and validates a fragment before insert
func prepareFragment(f *models.KnowledgeFragment, dimensions int) error {
	if f == nil {
		return fmt.Errorf("%w: nil fragment", ErrInvalidInput)
	}
	if f.UserID == "" {
		return fmt.Errorf("%w: fragment has no user", ErrInvalidInput)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("%w: fragment content is empty", ErrInvalidInput)
	}
	if !f.ContentType.Valid() {
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidInput, f.ContentType)
	}
	if f.Importance < 0 || f.Importance > 1 {
		return fmt.Errorf("%w: importance must be within [0,1], got %v", ErrInvalidInput, f.Importance)
	}
	if f.HasEmbedding() && len(f.Embedding) != dimensions {
		return fmt.Errorf("%w: embedding has %d dimensions, expected %d", ErrInvalidInput, len(f.Embedding), dimensions)
	}

	if f.ID == "" {
		f.ID = uuid.New().String()
	} else if _, err := uuid.Parse(f.ID); err != nil {
		return fmt.Errorf("%w: fragment id must be a UUID", ErrInvalidInput)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.Topics == nil {
		f.Topics = []string{}
	}
	return nil
}

// normalizePage clamps page (1-based) and page size
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// containsFold reports whether content contains query, ignoring case
func containsFold(content, query string) bool {
	if query == "" {
		return false
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(query))
}
