package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatcontext/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []PubSubMessage
	err      error
}

func (r *recordingBroadcaster) Publish(ctx context.Context, msgType, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, PubSubMessage{Type: msgType, UserID: userID})
	return r.err
}

func payload(t *testing.T, m PubSubMessage) string {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return string(data)
}

func TestPubSubDropsRemoteUserFromL1(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t, nil)
	resp := models.CachedResponse{Answer: "a", Sources: []string{}}
	require.NoError(t, cache.Store(ctx, "alice", "h1", nil, resp, time.Hour))
	require.NoError(t, cache.Store(ctx, "bob", "h1", nil, resp, time.Hour))

	ps := NewPubSubService(nil, "local")
	ps.BindCache(cache)

	ps.handlePayload(payload(t, PubSubMessage{Type: InvalidateUser, UserID: "alice", InstanceID: "remote"}))

	assert.False(t, cache.l1.Contains(cacheKey("alice", "h1")))
	assert.True(t, cache.l1.Contains(cacheKey("bob", "h1")))

	// L2 still serves alice
	assert.NotNil(t, cache.Lookup(ctx, "alice", "h1"))
}

func TestPubSubIgnoresOwnAndMalformedMessages(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t, nil)
	require.NoError(t, cache.Store(ctx, "alice", "h1", nil, models.CachedResponse{Answer: "a"}, time.Hour))

	ps := NewPubSubService(nil, "local")
	ps.BindCache(cache)

	ps.handlePayload(payload(t, PubSubMessage{Type: InvalidateAll, InstanceID: "local"}))
	ps.handlePayload("{not json")
	ps.handlePayload(payload(t, PubSubMessage{Type: "unknown", InstanceID: "remote"}))
	assert.Equal(t, 1, cache.l1.Len())

	ps.handlePayload(payload(t, PubSubMessage{Type: InvalidateAll, InstanceID: "remote"}))
	assert.Equal(t, 0, cache.l1.Len())
}

func TestInvalidatePublishes(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t, nil)
	bus := &recordingBroadcaster{}
	cache.SetBroadcaster(bus)

	require.NoError(t, cache.Store(ctx, "alice", "h1", nil, models.CachedResponse{Answer: "a"}, time.Hour))
	removed, err := cache.Invalidate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.Len(t, bus.messages, 1)
	assert.Equal(t, InvalidateUser, bus.messages[0].Type)
	assert.Equal(t, "alice", bus.messages[0].UserID)
}

func TestInvalidateSurvivesPublishFailure(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t, nil)
	cache.SetBroadcaster(&recordingBroadcaster{err: errors.New("redis down")})

	require.NoError(t, cache.Store(ctx, "alice", "h1", nil, models.CachedResponse{Answer: "a"}, time.Hour))
	removed, err := cache.Invalidate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Nil(t, cache.Lookup(ctx, "alice", "h1"))
}

func TestPubSubDropsRemoteProfile(t *testing.T) {
	ctx := context.Background()
	insights, store, clock := newTestInsightService(t, &fakeCompleter{})

	seed := newEmptyProfile("alice", clock.Now())
	seed.TopicInterests = []string{"chess"}
	seedProfile(t, store, seed)
	_, err := insights.GetProfile(ctx, "alice")
	require.NoError(t, err)

	ps := NewPubSubService(nil, "local")
	ps.BindInsights(insights)

	updated := newEmptyProfile("alice", clock.Now())
	updated.TopicInterests = []string{"chess", "go"}
	seedProfile(t, store, updated)

	ps.handlePayload(payload(t, PubSubMessage{Type: InvalidateProfile, UserID: "alice", InstanceID: "remote"}))

	profile, err := insights.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"chess", "go"}, profile.TopicInterests)
}
