package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Cache lookup results, used as metric labels
const (
	CacheResultHitL1   = "hit_l1"
	CacheResultHitL2   = "hit_l2"
	CacheResultMiss    = "miss"
	CacheResultExpired = "expired"
	CacheResultError   = "error"
)

const (
	missLockPollInterval = 100 * time.Millisecond
	maxCoalescedCompute  = 2 * time.Minute
)

// NormalizeQuery lowercases, trims, collapses whitespace and strips trailing punctuation
func NormalizeQuery(query string) string {
	q := strings.ToLower(query)
	q = strings.Join(strings.Fields(q), " ")
	q = strings.TrimRight(q, "?!.,")
	return strings.TrimSpace(q)
}

// HashQuery returns the hex sha256 of the normalized query
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(sum[:])
}

// SemanticCacheService is the two-level per-user response cache.
// L1 is a bounded in-process LRU with expiry; L2 is a CacheStore.
// Every key is (userID, queryHash); entries never cross users.
type SemanticCacheService struct {
	store   CacheStore
	l1      *expirable.LRU[string, models.CacheEntry]
	redis   *RedisService // optional, coordinates misses across instances
	bus     Broadcaster   // optional, fans invalidations out to other instances
	metrics *Metrics
	now     func() time.Time
	group   singleflight.Group
	pending sync.WaitGroup

	waitersMu sync.Mutex
	waiters   map[string]*coalescedWaiters

	mu           sync.RWMutex
	ttl          time.Duration
	lockDuration time.Duration
}

// NewSemanticCacheService creates the cache. redis may be nil.
func NewSemanticCacheService(store CacheStore, l1Size int, ttl, lockDuration time.Duration, redis *RedisService, metrics *Metrics) *SemanticCacheService {
	return &SemanticCacheService{
		store:        store,
		l1:           expirable.NewLRU[string, models.CacheEntry](l1Size, nil, ttl),
		waiters:      map[string]*coalescedWaiters{},
		redis:        redis,
		metrics:      metrics,
		now:          time.Now,
		ttl:          ttl,
		lockDuration: lockDuration,
	}
}

// Broadcaster publishes L1 invalidations to other instances
type Broadcaster interface {
	Publish(ctx context.Context, msgType, userID string) error
}

// SetBroadcaster installs bus. Call before serving traffic.
func (s *SemanticCacheService) SetBroadcaster(bus Broadcaster) {
	s.bus = bus
}

func (s *SemanticCacheService) broadcast(ctx context.Context, msgType, userID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, msgType, userID); err != nil {
		logging.Component("semantic-cache").WithFields(logrus.Fields{
			"type":  msgType,
			"error": err,
		}).Warn("Failed to publish cache invalidation")
	}
}

// DropLocal removes userID's entries from L1 only
func (s *SemanticCacheService) DropLocal(userID string) {
	prefix := userID + "\x00"
	for _, key := range s.l1.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.l1.Remove(key)
		}
	}
}

// PurgeLocal empties L1
func (s *SemanticCacheService) PurgeLocal() {
	s.l1.Purge()
}

func cacheKey(userID, queryHash string) string {
	return userID + "\x00" + queryHash
}

// TTL returns the current default entry lifetime
func (s *SemanticCacheService) TTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttl
}

// SetTTL changes the lifetime of entries stored from now on
func (s *SemanticCacheService) SetTTL(ttl, lockDuration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	s.lockDuration = lockDuration
}

// Lookup returns the live entry for (userID, queryHash) or nil on a miss.
// Store failures are logged and reported as misses.
func (s *SemanticCacheService) Lookup(ctx context.Context, userID, queryHash string) *models.CacheEntry {
	log := logging.WithUser(logging.Component("semantic-cache"), userID).WithField("query_hash", shortHash(queryHash))
	now := s.now()
	key := cacheKey(userID, queryHash)

	if entry, ok := s.l1.Get(key); ok {
		if !entry.Expired(now) {
			entry.HitCount++
			entry.LastHit = &now
			s.l1.Add(key, entry)
			s.recordHitAsync(userID, queryHash, now)
			s.metrics.RecordCacheLookup(CacheResultHitL1)
			log.Debug("Cache hit (L1)")
			return &entry
		}
		s.l1.Remove(key)
	}

	entry, err := s.store.Get(ctx, userID, queryHash)
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordCacheLookup(CacheResultMiss)
		return nil
	}
	if err != nil {
		s.metrics.RecordCacheLookup(CacheResultError)
		log.WithError(err).Warn("Cache lookup failed, treating as miss")
		return nil
	}
	if entry.UserID != userID {
		s.metrics.RecordCacheLookup(CacheResultError)
		log.Error("Cache store returned an entry owned by another user")
		return nil
	}
	if entry.Expired(now) {
		s.metrics.RecordCacheLookup(CacheResultExpired)
		return nil
	}

	if err := s.store.RecordHit(ctx, userID, queryHash, now); err != nil {
		log.WithError(err).Warn("Failed to record cache hit")
	}
	entry.HitCount++
	entry.LastHit = &now

	s.l1.Add(key, *entry)
	s.metrics.RecordCacheLookup(CacheResultHitL2)
	log.Debug("Cache hit (L2)")
	return entry
}

func (s *SemanticCacheService) recordHitAsync(userID, queryHash string, at time.Time) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.RecordHit(ctx, userID, queryHash, at); err != nil {
			logging.WithUser(logging.Component("semantic-cache"), userID).WithError(err).Warn("Failed to record cache hit")
		}
	}()
}

// Store upserts the response for (userID, queryHash) with the given ttl
// (the configured default when ttl <= 0).
func (s *SemanticCacheService) Store(ctx context.Context, userID, queryHash string, queryEmbedding []float32, response models.CachedResponse, ttl time.Duration) error {
	if userID == "" || queryHash == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = s.TTL()
	}
	now := s.now()

	entry := &models.CacheEntry{
		ID:             uuid.New().String(),
		UserID:         userID,
		QueryHash:      queryHash,
		QueryEmbedding: queryEmbedding,
		Response:       response,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		return err
	}

	s.l1.Add(cacheKey(userID, queryHash), *entry)
	return nil
}

// Invalidate drops every cached entry of userID
func (s *SemanticCacheService) Invalidate(ctx context.Context, userID string) (int64, error) {
	s.DropLocal(userID)
	removed, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.broadcast(ctx, InvalidateUser, userID)
	return removed, nil
}

// Stats summarizes userID's persisted cache
func (s *SemanticCacheService) Stats(ctx context.Context, userID string) (*models.CacheStats, error) {
	return s.store.Stats(ctx, userID, s.now())
}

// Cleanup deletes expired entries and trims each user to maxPerUser entries
func (s *SemanticCacheService) Cleanup(ctx context.Context, maxPerUser int) (expired, trimmed int64, err error) {
	if expired, err = s.store.DeleteExpired(ctx, s.now()); err != nil {
		return 0, 0, err
	}
	s.metrics.RecordCacheEviction("expired", expired)

	if maxPerUser > 0 {
		if trimmed, err = s.store.Trim(ctx, maxPerUser); err != nil {
			return expired, 0, err
		}
		s.metrics.RecordCacheEviction("trimmed", trimmed)
		if trimmed > 0 {
			// L1 may still hold trimmed rows
			s.PurgeLocal()
			s.broadcast(ctx, InvalidateAll, "")
		}
	}
	return expired, trimmed, nil
}

// coalescedWaiters counts the callers waiting on one coalesced compute
type coalescedWaiters struct {
	count  int
	cancel context.CancelFunc // set once compute has started
}

// Coalesce runs compute at most once per (userID, queryHash) at a time.
// Concurrent callers in this process share the result; with Redis configured,
// other instances wait for the lock holder and re-check the cache first.
// compute is detached from the caller that started it and bounded by that
// caller's deadline or maxCoalescedCompute: a caller that goes away stops
// waiting without failing the others, and compute is cancelled once every
// caller has gone.
func (s *SemanticCacheService) Coalesce(ctx context.Context, userID, queryHash string, compute func(ctx context.Context) (*models.ChatResponse, error)) (*models.ChatResponse, error) {
	key := cacheKey(userID, queryHash)
	timeout := maxCoalescedCompute
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	s.joinWaiters(key)
	defer s.leaveWaiters(key)

	ch := s.group.DoChan(key, func() (interface{}, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		s.startCompute(key, cancel)

		if s.redis == nil {
			return compute(computeCtx)
		}
		return s.computeWithLock(computeCtx, userID, queryHash, compute)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := *res.Val.(*models.ChatResponse)
		return &resp, nil
	}
}

func (s *SemanticCacheService) joinWaiters(key string) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	w, ok := s.waiters[key]
	if !ok {
		w = &coalescedWaiters{}
		s.waiters[key] = w
	}
	w.count++
}

func (s *SemanticCacheService) leaveWaiters(key string) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	w, ok := s.waiters[key]
	if !ok {
		return
	}
	w.count--
	if w.count > 0 {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	delete(s.waiters, key)
}

func (s *SemanticCacheService) startCompute(key string, cancel context.CancelFunc) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	if w, ok := s.waiters[key]; ok {
		w.cancel = cancel
		return
	}
	// every caller left before compute started
	cancel()
}

func (s *SemanticCacheService) computeWithLock(ctx context.Context, userID, queryHash string, compute func(ctx context.Context) (*models.ChatResponse, error)) (*models.ChatResponse, error) {
	log := logging.WithUser(logging.Component("semantic-cache"), userID).WithField("query_hash", shortHash(queryHash))

	s.mu.RLock()
	lockDuration := s.lockDuration
	s.mu.RUnlock()

	lockKey := "chatcontext:cache-miss:" + cacheKey(userID, queryHash)
	token := uuid.New().String()

	acquired, err := s.redis.AcquireLock(ctx, lockKey, token, lockDuration)
	if err != nil {
		log.WithError(err).Warn("Miss lock unavailable, computing without it")
		return compute(ctx)
	}

	if acquired {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := s.redis.ReleaseLock(releaseCtx, lockKey, token); err != nil {
				log.WithError(err).Warn("Failed to release miss lock")
			}
		}()
		return compute(ctx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, lockDuration)
	defer cancel()
	if err := s.redis.WaitForUnlock(waitCtx, lockKey, missLockPollInterval); err != nil {
		log.WithFields(logrus.Fields{"error": err}).Debug("Stopped waiting for miss lock")
	}

	if entry := s.Lookup(ctx, userID, queryHash); entry != nil {
		return &models.ChatResponse{
			Answer:     entry.Response.Answer,
			Sources:    entry.Response.Sources,
			Confidence: entry.Response.Confidence,
			Cached:     true,
		}, nil
	}
	return compute(ctx)
}

// Close waits for background hit bookkeeping to finish
func (s *SemanticCacheService) Close() {
	s.pending.Wait()
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
