package services

import (
	"context"
	"math"
	"sync"
	"testing"

	"chatcontext/internal/database"

	"github.com/stretchr/testify/require"
)

const testDims = 4

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))
	return db
}

func newTestKnowledgeStore(t *testing.T) *SQLiteKnowledgeStore {
	t.Helper()
	return NewSQLiteKnowledgeStore(newTestDB(t), testDims)
}

// vectorWithSimilarity returns a unit vector whose cosine similarity to
// the first basis vector is sim.
func vectorWithSimilarity(sim float64) []float32 {
	v := make([]float32, testDims)
	v[0] = float32(sim)
	v[1] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func basisQuery() []float32 {
	v := make([]float32, testDims)
	v[0] = 1
	return v
}

// fakeEmbedder maps known texts to vectors; anything else gets fallback.
// With err set every call fails.
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	err      error
	calls    int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	if f.fallback != nil {
		return f.fallback, nil
	}
	return vectorWithSimilarity(0), nil
}

func (f *fakeEmbedder) Dimensions() int { return testDims }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
