package isolation

import (
	"context"
	"testing"
	"time"

	"chatcontext/internal/database"
	"chatcontext/internal/models"
	"chatcontext/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constantEmbedder struct{}

func (constantEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0, 1, 0}, nil
}

func (constantEmbedder) Dimensions() int { return 3 }

type scorerSearcher struct {
	scorer *services.RetrievalScorer
}

func (s scorerSearcher) Search(ctx context.Context, userID, query string) (*services.RetrievalResult, error) {
	embedding, _ := constantEmbedder{}.Embed(ctx, query)
	return s.scorer.Retrieve(ctx, userID, query, embedding)
}

// leakySearcher returns a foreign fragment to every caller
type leakySearcher struct{}

func (leakySearcher) Search(ctx context.Context, userID, query string) (*services.RetrievalResult, error) {
	foreign := models.ScoredFragment{}
	foreign.ID = "00000000-0000-0000-0000-000000000001"
	foreign.UserID = "someone-else"
	return &services.RetrievalResult{Fragments: []models.ScoredFragment{foreign}}, nil
}

func newDeps(t *testing.T) Deps {
	t.Helper()
	db, err := database.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))

	store := services.NewSQLiteKnowledgeStore(db, 3)
	cache := services.NewSemanticCacheService(services.NewSQLiteCacheStore(db, nil), 100, time.Hour, time.Second, nil, nil)
	t.Cleanup(cache.Close)

	return Deps{
		Knowledge: services.NewKnowledgeService(store, constantEmbedder{}, nil),
		Search:    scorerSearcher{scorer: services.NewRetrievalScorer(store, services.DefaultScoringPolicy(), 5, 50, nil)},
		Cache:     cache,
		Insights:  services.NewSQLiteInsightStore(db),
	}
}

func TestRunPassesOnIsolatedStores(t *testing.T) {
	report, err := Run(context.Background(), newDeps(t))
	require.NoError(t, err)

	require.Len(t, report.Results, 4)
	for _, res := range report.Results {
		assert.True(t, res.Passed, "%s: %s", res.Name, res.Detail)
	}
	assert.True(t, report.Passed())
	assert.NotEqual(t, report.UserA, report.UserB)
}

func TestRunDetectsLeak(t *testing.T) {
	deps := newDeps(t)
	report, err := Run(context.Background(), Deps{
		Knowledge: deps.Knowledge,
		Search:    leakySearcher{},
		Cache:     deps.Cache,
		Insights:  deps.Insights,
	})
	require.NoError(t, err)
	assert.False(t, report.Passed())

	for _, res := range report.Results {
		if res.Name == "retrieval" {
			assert.False(t, res.Passed)
			assert.Contains(t, res.Detail, "someone-else")
		}
	}
}
