package services

import (
	"context"
	"testing"
	"time"

	"chatcontext/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteKnowledgeStoreInsertValidation(t *testing.T) {
	store := newTestKnowledgeStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		fragment *models.KnowledgeFragment
	}{
		{"nil fragment", nil},
		{"missing user", &models.KnowledgeFragment{Content: "x", ContentType: models.ContentTypeUserFact}},
		{"empty content", &models.KnowledgeFragment{UserID: "u", Content: "  ", ContentType: models.ContentTypeUserFact}},
		{"bad content type", &models.KnowledgeFragment{UserID: "u", Content: "x", ContentType: "note"}},
		{"importance out of range", &models.KnowledgeFragment{UserID: "u", Content: "x", ContentType: models.ContentTypeUserFact, Importance: 1.5}},
		{"wrong dimensions", &models.KnowledgeFragment{UserID: "u", Content: "x", ContentType: models.ContentTypeUserFact, Embedding: []float32{1, 2}}},
		{"non-uuid id", &models.KnowledgeFragment{ID: "abc", UserID: "u", Content: "x", ContentType: models.ContentTypeUserFact}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Insert(ctx, tt.fragment)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestSQLiteKnowledgeStoreInsertAssignsDefaults(t *testing.T) {
	store := newTestKnowledgeStore(t)
	ctx := context.Background()

	sentiment := "positive"
	f := &models.KnowledgeFragment{UserID: "alice", Content: "I love hiking", ContentType: models.ContentTypeUserFact, Sentiment: &sentiment, Importance: 0.7}
	require.NoError(t, store.Insert(ctx, f))

	assert.NotEmpty(t, f.ID)
	assert.False(t, f.CreatedAt.IsZero())

	listed, total, err := store.List(ctx, "alice", "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, listed, 1)
	assert.Equal(t, f.ID, listed[0].ID)
	assert.Equal(t, []string{}, listed[0].Topics)
	require.NotNil(t, listed[0].Sentiment)
	assert.Equal(t, "positive", *listed[0].Sentiment)
	assert.Nil(t, listed[0].Embedding)
}

func TestSQLiteKnowledgeStoreIsolation(t *testing.T) {
	store := newTestKnowledgeStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertBatch(ctx, []*models.KnowledgeFragment{
		{UserID: "alice", Content: "My cat is called Miso", ContentType: models.ContentTypeUserFact, Embedding: vectorWithSimilarity(0.95)},
		{UserID: "bob", Content: "My cat is called Pixel", ContentType: models.ContentTypeUserFact, Embedding: vectorWithSimilarity(0.95)},
	}))

	candidates, err := store.Candidates(ctx, "alice", "my cat", basisQuery(), 0.25, 50)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "alice", candidates[0].UserID)
	assert.True(t, candidates[0].ExactMatch)
	assert.InDelta(t, 0.95, candidates[0].Similarity, 1e-6)

	// Touching bob's fragment through alice's scope must not change it.
	bobs, _, err := store.List(ctx, "bob", "", 1, 10)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	require.NoError(t, store.TouchAccess(ctx, "alice", []string{bobs[0].ID}))

	bobs, _, err = store.List(ctx, "bob", "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bobs[0].AccessCount)

	stats, err := store.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	_, err = store.Candidates(ctx, "", "my cat", nil, 0.25, 50)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSQLiteKnowledgeStoreCandidatesFiltering(t *testing.T) {
	store := newTestKnowledgeStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertBatch(ctx, []*models.KnowledgeFragment{
		{UserID: "alice", Content: "close", ContentType: models.ContentTypeConversation, Embedding: vectorWithSimilarity(0.8)},
		{UserID: "alice", Content: "far", ContentType: models.ContentTypeConversation, Embedding: vectorWithSimilarity(0.1)},
		{UserID: "alice", Content: "no vector", ContentType: models.ContentTypeDocument},
	}))

	candidates, err := store.Candidates(ctx, "alice", "unrelated words", basisQuery(), 0.25, 50)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "close", candidates[0].Content)

	candidates, err = store.Candidates(ctx, "alice", "NO VECTOR", nil, 0.25, 50)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "no vector", candidates[0].Content)
	assert.True(t, candidates[0].ExactMatch)
}

func TestSQLiteKnowledgeStoreListAndStats(t *testing.T) {
	store := newTestKnowledgeStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var batch []*models.KnowledgeFragment
	for i := 0; i < 5; i++ {
		batch = append(batch, &models.KnowledgeFragment{
			UserID:      "alice",
			Content:     "conversation",
			ContentType: models.ContentTypeConversation,
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		})
	}
	batch = append(batch, &models.KnowledgeFragment{
		UserID: "alice", Content: "doc", ContentType: models.ContentTypeDocument,
		Embedding: vectorWithSimilarity(0.5), CreatedAt: base.Add(10 * time.Hour),
	})
	require.NoError(t, store.InsertBatch(ctx, batch))

	page, total, err := store.List(ctx, "alice", models.ContentTypeConversation, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, base.Add(2*time.Hour), page[0].CreatedAt)

	stats, err := store.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Total)
	assert.Equal(t, int64(1), stats.WithEmbedding)
	assert.Equal(t, int64(5), stats.ByContentType[models.ContentTypeConversation])
	require.NotNil(t, stats.Newest)
	assert.Equal(t, base.Add(10*time.Hour), *stats.Newest)
}

func TestSQLiteKnowledgeStoreBatchIsAtomic(t *testing.T) {
	store := newTestKnowledgeStore(t)
	ctx := context.Background()

	err := store.InsertBatch(ctx, []*models.KnowledgeFragment{
		{UserID: "alice", Content: "ok", ContentType: models.ContentTypeDocument},
		{UserID: "alice", Content: "bad", ContentType: "nope"},
	})
	require.Error(t, err)

	_, total, err := store.List(ctx, "alice", "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
