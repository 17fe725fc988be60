//go:build integration

package services

import (
	"context"
	"testing"
	"time"

	"chatcontext/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheEntry(userID, query, answer string, createdAt time.Time, ttl time.Duration) *models.CacheEntry {
	return &models.CacheEntry{
		UserID:         userID,
		QueryHash:      HashQuery(query),
		QueryEmbedding: basisQuery(),
		Response:       models.CachedResponse{Answer: answer, Sources: []string{}},
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(ttl),
	}
}

func TestMongoCacheStoreIsolation(t *testing.T) {
	store := NewMongoCacheStore(requireMongo(t), nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Upsert(ctx, cacheEntry("alice", "where do I live", "Lisbon", now, time.Hour)))
	require.NoError(t, store.Upsert(ctx, cacheEntry("bob", "where do I live", "Oslo", now, time.Hour)))

	alice, err := store.Get(ctx, "alice", HashQuery("where do I live"))
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", alice.Response.Answer)
	assert.Equal(t, basisQuery(), alice.QueryEmbedding)

	removed, err := store.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.Get(ctx, "alice", HashQuery("where do I live"))
	assert.ErrorIs(t, err, ErrNotFound)

	bob, err := store.Get(ctx, "bob", HashQuery("where do I live"))
	require.NoError(t, err)
	assert.Equal(t, "Oslo", bob.Response.Answer)
}

func TestMongoCacheStoreUpsertResetsHits(t *testing.T) {
	store := NewMongoCacheStore(requireMongo(t), nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	hash := HashQuery("best ramen nearby")

	first := cacheEntry("alice", "best ramen nearby", "Ichiran", now, time.Hour)
	require.NoError(t, store.Upsert(ctx, first))
	require.NoError(t, store.RecordHit(ctx, "alice", hash, now.Add(time.Minute)))
	require.NoError(t, store.RecordHit(ctx, "alice", hash, now.Add(2*time.Minute)))

	hit, err := store.Get(ctx, "alice", hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hit.HitCount)
	require.NotNil(t, hit.LastHit)

	require.NoError(t, store.Upsert(ctx, cacheEntry("alice", "best ramen nearby", "Afuri", now.Add(time.Hour), time.Hour)))

	replaced, err := store.Get(ctx, "alice", hash)
	require.NoError(t, err)
	assert.Equal(t, "Afuri", replaced.Response.Answer)
	assert.Equal(t, first.ID, replaced.ID)
	assert.Zero(t, replaced.HitCount)
	assert.Nil(t, replaced.LastHit)
}

func TestMongoCacheStoreExpiryTrimAndStats(t *testing.T) {
	store := NewMongoCacheStore(requireMongo(t), nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Upsert(ctx, cacheEntry("alice", "stale", "old", now.Add(-2*time.Hour), time.Hour)))
	require.NoError(t, store.Upsert(ctx, cacheEntry("alice", "hot", "a", now, time.Hour)))
	require.NoError(t, store.Upsert(ctx, cacheEntry("alice", "cold", "b", now, time.Hour)))

	// hits on expired entries are ignored
	require.NoError(t, store.RecordHit(ctx, "alice", HashQuery("stale"), now))
	require.NoError(t, store.RecordHit(ctx, "alice", HashQuery("hot"), now))

	stats, err := store.Stats(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Entries)
	assert.Equal(t, int64(2), stats.LiveEntries)
	assert.Equal(t, int64(1), stats.TotalHits)

	removed, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// the never-hit entry is evicted first
	trimmed, err := store.Trim(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), trimmed)

	_, err = store.Get(ctx, "alice", HashQuery("hot"))
	assert.NoError(t, err)
	_, err = store.Get(ctx, "alice", HashQuery("cold"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMongoInsightStoreUpdateProfile(t *testing.T) {
	store := NewMongoInsightStore(requireMongo(t))
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := store.GetProfile(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.UpdateProfile(ctx, "alice", func(current *models.AIInsightProfile) (*models.AIInsightProfile, *models.InsightUpdateLogEntry, error) {
		assert.Nil(t, current)
		profile := newEmptyProfile("alice", at)
		profile.TopicInterests = []string{"chess"}
		profile.LastAnalysisAt = &at
		entry := &models.InsightUpdateLogEntry{
			UserID:    "alice",
			Diff:      models.InsightDiff{AddedInterests: []string{"chess"}},
			Model:     "insight-model",
			CreatedAt: at,
		}
		return profile, entry, nil
	}))

	later := at.Add(2 * time.Hour)
	require.NoError(t, store.UpdateProfile(ctx, "alice", func(current *models.AIInsightProfile) (*models.AIInsightProfile, *models.InsightUpdateLogEntry, error) {
		require.NotNil(t, current)
		next := *current
		next.TopicInterests = append(append([]string{}, current.TopicInterests...), "cycling")
		next.LastAnalysisAt = &later
		next.UpdatedAt = later
		return &next, nil, nil
	}))

	profile, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"chess", "cycling"}, profile.TopicInterests)
	require.NotNil(t, profile.LastAnalysisAt)
	assert.True(t, later.Equal(*profile.LastAnalysisAt))

	entries, err := store.ListLog(ctx, "alice", 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, []string{"chess"}, entries[0].Diff.AddedInterests)
}

func TestMongoInsightStoreUpdateProfileGuards(t *testing.T) {
	store := NewMongoInsightStore(requireMongo(t))
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	err := store.UpdateProfile(ctx, "alice", func(*models.AIInsightProfile) (*models.AIInsightProfile, *models.InsightUpdateLogEntry, error) {
		return newEmptyProfile("bob", at), nil, nil
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, store.UpdateProfile(ctx, "alice", func(*models.AIInsightProfile) (*models.AIInsightProfile, *models.InsightUpdateLogEntry, error) {
		return nil, nil, nil
	}))

	for _, userID := range []string{"alice", "bob"} {
		_, err = store.GetProfile(ctx, userID)
		assert.ErrorIs(t, err, ErrNotFound, userID)
	}

	require.NoError(t, store.MarkAnalyzed(ctx, "alice", at))
	profile, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, profile.IsEmpty())
	require.NotNil(t, profile.LastAnalysisAt)
	assert.True(t, at.Equal(*profile.LastAnalysisAt))
}

func TestMongoInsightUpdateAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMongoInsightStore(requireMongo(t))
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}

	llmB := &fakeCompleter{reply: chessReply}
	a := NewInsightService(store, &fakeCompleter{reply: insightReply}, "insight-model", DefaultInsightPolicy(), nil)
	b := NewInsightService(store, llmB, "insight-model", DefaultInsightPolicy(), nil)
	a.now, b.now = clock.Now, clock.Now

	lastRun := clock.Now().Add(-2 * time.Hour)
	seed := newEmptyProfile("alice", lastRun)
	seed.TopicInterests = []string{"chess"}
	seed.LastAnalysisAt = &lastRun
	seedProfile(t, store, seed)

	_, err := b.GetProfile(ctx, "alice")
	require.NoError(t, err)

	outcome, err := a.Update(ctx, "alice", "I spend my weekends cycling and writing Go", nil)
	require.NoError(t, err)
	require.Equal(t, InsightOutcomeUpdated, outcome)

	clock.Advance(2 * time.Minute)
	outcome, err = b.Update(ctx, "alice", "Can you suggest a good chess opening for beginners?", nil)
	require.NoError(t, err)
	assert.Equal(t, InsightOutcomeSkipped, outcome)
	assert.Equal(t, 0, llmB.calls())

	stored, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"chess", "Go", "cycling"}, stored.TopicInterests)
}
