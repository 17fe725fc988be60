package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"chatcontext/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ragFixture struct {
	svc       *RAGService
	knowledge *SQLiteKnowledgeStore
	cache     *SemanticCacheService
	insights  *InsightService
	embedder  *fakeEmbedder
	llm       *fakeCompleter
}

func newRAGFixture(t *testing.T) *ragFixture {
	t.Helper()
	db := newTestDB(t)
	knowledge := NewSQLiteKnowledgeStore(db, testDims)
	cache := NewSemanticCacheService(NewSQLiteCacheStore(db, nil), 100, time.Hour, time.Second, nil, nil)
	embedder := &fakeEmbedder{fallback: basisQuery()}
	llm := &fakeCompleter{reply: "You live in Lisbon."}
	insights := NewInsightService(NewSQLiteInsightStore(db), &fakeCompleter{reply: `{"shouldUpdate": false, "confidence": 0}`}, "insight-model", DefaultInsightPolicy(), nil)

	svc := NewRAGService(
		cache,
		embedder,
		NewRetrievalScorer(knowledge, DefaultScoringPolicy(), 5, 50, nil),
		NewContextAssembler(DefaultContextLimits()),
		llm,
		insights,
		knowledge,
		AnswerConfig{Model: "chat-model", Temperature: 0.7, MaxTokens: 500},
		nil,
	)
	t.Cleanup(func() {
		svc.Close()
		cache.Close()
	})
	return &ragFixture{svc: svc, knowledge: knowledge, cache: cache, insights: insights, embedder: embedder, llm: llm}
}

func (f *ragFixture) addFact(t *testing.T, userID, content string, embedding []float32) string {
	t.Helper()
	fragment := &models.KnowledgeFragment{
		UserID:      userID,
		Content:     content,
		ContentType: models.ContentTypeUserFact,
		Embedding:   embedding,
		Importance:  0.8,
	}
	require.NoError(t, f.knowledge.Insert(context.Background(), fragment))
	return fragment.ID
}

func TestAnswerUsesUserKnowledge(t *testing.T) {
	f := newRAGFixture(t)
	factID := f.addFact(t, "alice", "I moved to Lisbon last spring", vectorWithSimilarity(0.9))
	f.addFact(t, "bob", "I live in Berlin", vectorWithSimilarity(0.95))

	resp, err := f.svc.Answer(context.Background(), models.ChatRequest{UserID: "alice", Message: "Where do I live?"})
	require.NoError(t, err)

	assert.Equal(t, "You live in Lisbon.", resp.Answer)
	assert.Equal(t, []string{factID}, resp.Sources)
	assert.Equal(t, 0.9, resp.Confidence)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Degraded)

	require.Len(t, f.llm.requests, 1)
	req := f.llm.requests[0]
	assert.Equal(t, PurposeAnswer, req.Purpose)
	assert.Equal(t, "chat-model", req.Model)
	system := req.Messages[0].Content
	assert.Contains(t, system, "I moved to Lisbon last spring")
	assert.NotContains(t, system, "Berlin")
}

func TestAnswerSecondCallIsCached(t *testing.T) {
	f := newRAGFixture(t)
	ctx := context.Background()

	first, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "Where do I live?"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "  where do i LIVE  "})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Sources, second.Sources)

	assert.Equal(t, 1, f.llm.calls())
	assert.Equal(t, 1, f.embedder.callCount(), "cache is consulted before embedding")
}

func TestAnswerCacheIsPerUser(t *testing.T) {
	f := newRAGFixture(t)
	ctx := context.Background()

	_, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "Where do I live?"})
	require.NoError(t, err)

	resp, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "bob", Message: "Where do I live?"})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.llm.calls())
}

func TestAnswerDegradedWhenEmbeddingFails(t *testing.T) {
	f := newRAGFixture(t)
	ctx := context.Background()
	f.addFact(t, "alice", "My favourite food is ramen", vectorWithSimilarity(0.1))
	f.embedder.err = fmt.Errorf("%w: timeout", ErrEmbeddingUnavailable)

	resp, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "favourite food"})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.Len(t, resp.Sources, 1)
	assert.Equal(t, 0.5, resp.Confidence, "degraded confidence is capped")

	stats, err := f.cache.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries, "degraded answers are not cached")

	kstats, err := f.knowledge.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), kstats.Total, "degraded utterances are not stored")
}

func TestAnswerGenerationFailure(t *testing.T) {
	f := newRAGFixture(t)
	ctx := context.Background()
	f.llm.err = errors.New("upstream 503")

	_, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "Where do I live?"})
	assert.ErrorIs(t, err, ErrGenerationFailed)

	stats, err := f.cache.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
}

func TestAnswerRemembersStatements(t *testing.T) {
	f := newRAGFixture(t)
	ctx := context.Background()

	_, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "I started learning the cello this year."})
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "Can you recommend a good book?"})
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "thanks"})
	require.NoError(t, err)

	stats, err := f.knowledge.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByContentType[models.ContentTypeUserFact])
	assert.Equal(t, int64(1), stats.ByContentType[models.ContentTypeConversation])
}

func TestAnswerValidation(t *testing.T) {
	f := newRAGFixture(t)

	tests := []struct {
		name string
		req  models.ChatRequest
	}{
		{"missing user", models.ChatRequest{Message: "hello"}},
		{"empty message", models.ChatRequest{UserID: "alice", Message: "   "}},
		{"too long", models.ChatRequest{UserID: "alice", Message: strings.Repeat("x", MaxMessageLength+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Answer(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, f.llm.calls())
}

func TestAnswerSchedulesInsightUpdate(t *testing.T) {
	f := newRAGFixture(t)
	ctx := context.Background()

	_, err := f.svc.Answer(ctx, models.ChatRequest{UserID: "alice", Message: "I have been running marathons for ten years"})
	require.NoError(t, err)
	f.svc.Close()

	profile, err := f.insights.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, profile.LastAnalysisAt, "analysis ran and advanced lastAnalysisAt")
}

func TestClassifyUtterance(t *testing.T) {
	tests := []struct {
		message string
		want    models.ContentType
	}{
		{"I live in Lisbon", models.ContentTypeUserFact},
		{"My dog is called Rex.", models.ContentTypeUserFact},
		{"I’m allergic to peanuts", models.ContentTypeUserFact},
		{"Where do I live?", models.ContentTypeConversation},
		{"Tell me about the weather in Porto", models.ContentTypeConversation},
		{"The weather in Porto is nice", models.ContentTypeConversation},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyUtterance(tt.message))
		})
	}
}

func TestSearchIsUserScoped(t *testing.T) {
	f := newRAGFixture(t)
	f.addFact(t, "alice", "I play the cello", vectorWithSimilarity(0.9))
	f.addFact(t, "bob", "I play the violin", vectorWithSimilarity(0.9))

	result, err := f.svc.Search(context.Background(), "alice", "instrument")
	require.NoError(t, err)
	require.Len(t, result.Fragments, 1)
	assert.Equal(t, "alice", result.Fragments[0].UserID)
}
