package models

import (
	"time"
)

// ContentType classifies a knowledge fragment
type ContentType string

const (
	ContentTypeUserFact     ContentType = "user_fact"
	ContentTypeConversation ContentType = "conversation"
	ContentTypeDocument     ContentType = "document"
)

// Valid reports whether c is a known content type
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeUserFact, ContentTypeConversation, ContentTypeDocument:
		return true
	}
	return false
}

// KnowledgeFragment is a single piece of per-user knowledge.
// Immutable after insert except for access bookkeeping.
type KnowledgeFragment struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Embedding   []float32   `json:"-"` // nil when stored without a vector
	Topics      []string    `json:"topics"`
	Sentiment   *string     `json:"sentiment,omitempty"`
	Importance  float64     `json:"importance"` // 0.0-1.0

	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	AccessCount  int64      `json:"access_count"`
}

// HasEmbedding reports whether the fragment carries a vector
func (f *KnowledgeFragment) HasEmbedding() bool {
	return len(f.Embedding) > 0
}

// CandidateFragment is a fragment annotated by the store's candidate query
type CandidateFragment struct {
	KnowledgeFragment
	Similarity float64 `json:"similarity"`  // cosine similarity, 0 when unknown
	ExactMatch bool    `json:"exact_match"` // content contains the query (case-insensitive)
}

// ScoredFragment is a candidate after confidence and priority scoring
type ScoredFragment struct {
	CandidateFragment
	Confidence float64 `json:"confidence"`
	Priority   float64 `json:"priority"`
}

// KnowledgeStats summarizes a user's knowledge store
type KnowledgeStats struct {
	Total         int64                 `json:"total"`
	WithEmbedding int64                 `json:"with_embedding"`
	ByContentType map[ContentType]int64 `json:"by_content_type"`
	Newest        *time.Time            `json:"newest,omitempty"`
}

// CreateFragmentRequest is the request body for manual fragment creation
type CreateFragmentRequest struct {
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Topics      []string `json:"topics,omitempty"`
	Sentiment   *string  `json:"sentiment,omitempty"`
	Importance  *float64 `json:"importance,omitempty"`
}

// FragmentListResponse is a page of fragments
type FragmentListResponse struct {
	Fragments []KnowledgeFragment `json:"fragments"`
	Total     int64               `json:"total"`
	Page      int                 `json:"page"`
	PageSize  int                 `json:"page_size"`
}

// DocumentIngestResult reports an ingested document
type DocumentIngestResult struct {
	Filename    string   `json:"filename"`
	Format      string   `json:"format"`
	Chunks      int      `json:"chunks"`
	Characters  int      `json:"characters"`
	FragmentIDs []string `json:"fragment_ids"`
	Truncated   bool     `json:"truncated"` // true when the chunk cap was hit
}
