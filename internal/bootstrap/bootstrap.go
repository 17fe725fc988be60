// Package bootstrap wires storage backends and services from configuration.
// It is shared by the HTTP server and the ragctl CLI.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"chatcontext/internal/config"
	"chatcontext/internal/crypto"
	"chatcontext/internal/database"
	"chatcontext/internal/document"
	"chatcontext/internal/logging"
	"chatcontext/internal/services"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Services holds every wired component
type Services struct {
	Config  *config.Config
	Metrics *services.Metrics

	Redis  *services.RedisService  // nil when REDIS_URL is unset
	PubSub *services.PubSubService // nil when REDIS_URL is unset

	KnowledgeStore services.KnowledgeStore
	CacheStore     services.CacheStore
	InsightStore   services.InsightStore

	Embedder  *services.EmbeddingService
	LLM       *services.LLMClient
	Scorer    *services.RetrievalScorer
	Assembler *services.ContextAssembler
	Cache     *services.SemanticCacheService
	Insights  *services.InsightService
	Knowledge *services.KnowledgeService
	Documents *services.DocumentService
	RAG       *services.RAGService

	// Checks are the dependency pings reported by /health
	Checks map[string]func(ctx context.Context) error

	closers []func()

	mu       sync.RWMutex
	tunables config.Tunables
}

// Build connects the configured backends and constructs the services.
// metrics may be nil.
func Build(ctx context.Context, cfg *config.Config, metrics *services.Metrics) (*Services, error) {
	log := logging.Component("bootstrap")
	s := &Services{
		Config:  cfg,
		Metrics: metrics,
		Checks:  map[string]func(ctx context.Context) error{},

		tunables: cfg.Tunables,
	}

	var sealer services.ResponseSealer
	if cfg.EncryptionMasterKey != "" {
		enc, err := crypto.NewEncryptionService(cfg.EncryptionMasterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryption: %w", err)
		}
		sealer = enc
		log.Info("Cached responses are encrypted at rest")
	} else {
		log.Warn("ENCRYPTION_MASTER_KEY not set: cached responses are stored in plaintext")
	}

	var err error
	switch cfg.StorageBackend {
	case config.StorageBackendSQLite:
		err = s.openSQLite(ctx, cfg, sealer)
	default:
		err = s.openPostgresMongo(ctx, cfg, sealer)
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		redis, err := services.NewRedisService(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable: miss locks and chat quotas are process-local")
		} else {
			s.Redis = redis
			s.closers = append(s.closers, func() { _ = redis.Close() })
			s.Checks["redis"] = redis.Ping
		}
	}

	tunables := cfg.Tunables
	s.Embedder = services.NewEmbeddingService(cfg.Embedding, metrics)
	s.LLM = services.NewLLMClient(cfg.LLM, metrics)
	s.Scorer = services.NewRetrievalScorer(s.KnowledgeStore, services.DefaultScoringPolicy(), tunables.Retrieval.TopK, tunables.Retrieval.CandidatePool, metrics)
	s.Assembler = services.NewContextAssembler(contextLimits(tunables))
	s.Cache = services.NewSemanticCacheService(s.CacheStore, tunables.Cache.L1Size, tunables.Cache.TTL, tunables.Cache.MissLockExpiration, s.Redis, metrics)
	s.Insights = services.NewInsightService(s.InsightStore, s.LLM, cfg.LLM.InsightModel, insightPolicy(tunables), metrics)
	s.Knowledge = services.NewKnowledgeService(s.KnowledgeStore, s.Embedder, metrics)
	s.Documents = services.NewDocumentService(s.KnowledgeStore, s.Embedder, document.DefaultChunkOptions(), metrics)
	s.RAG = services.NewRAGService(
		s.Cache,
		s.Embedder,
		s.Scorer,
		s.Assembler,
		s.LLM,
		s.Insights,
		s.KnowledgeStore,
		services.AnswerConfig{
			Model:       cfg.LLM.ChatModel,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		metrics,
	)

	if s.Redis != nil {
		pubsub := services.NewPubSubService(s.Redis, uuid.NewString())
		if err := pubsub.Start(); err != nil {
			log.WithError(err).Warn("Cache and profile invalidation fan-out disabled")
		} else {
			pubsub.BindCache(s.Cache)
			pubsub.BindInsights(s.Insights)
			s.PubSub = pubsub
		}
	}

	log.WithFields(logrus.Fields{
		"storage":    cfg.StorageBackend,
		"dimensions": cfg.Embedding.Dimensions,
		"redis":      s.Redis != nil,
	}).Info("Services initialized")
	return s, nil
}

func (s *Services) openSQLite(ctx context.Context, cfg *config.Config, sealer services.ResponseSealer) error {
	db, err := database.NewSQLite(cfg.SQLitePath)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, func() { _ = db.Close() })
	if err := db.Initialize(ctx); err != nil {
		return err
	}

	s.KnowledgeStore = services.NewSQLiteKnowledgeStore(db, cfg.Embedding.Dimensions)
	s.CacheStore = services.NewSQLiteCacheStore(db, sealer)
	s.InsightStore = services.NewSQLiteInsightStore(db)
	s.Checks["sqlite"] = db.PingContext
	return nil
}

func (s *Services) openPostgresMongo(ctx context.Context, cfg *config.Config, sealer services.ResponseSealer) error {
	pg, err := database.NewPostgres(ctx, cfg.PostgresURL, cfg.Embedding.Dimensions)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURI)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, func() { _ = mongoDB.Close(context.Background()) })
	if err := mongoDB.Initialize(ctx); err != nil {
		return err
	}

	s.KnowledgeStore = services.NewPostgresKnowledgeStore(pg)
	s.CacheStore = services.NewMongoCacheStore(mongoDB, sealer)
	s.InsightStore = services.NewMongoInsightStore(mongoDB)
	s.Checks["postgres"] = pg.Ping
	s.Checks["mongodb"] = mongoDB.Ping
	return nil
}

// ApplyTunables pushes reloaded tunables into the running services.
// L1 size and the cleanup schedule only change on restart.
func (s *Services) ApplyTunables(t config.Tunables) {
	s.Scorer.SetLimits(t.Retrieval.TopK, t.Retrieval.CandidatePool)
	s.Cache.SetTTL(t.Cache.TTL, t.Cache.MissLockExpiration)
	s.Assembler.SetLimits(contextLimits(t))
	s.Insights.SetPolicy(insightPolicy(t))

	s.mu.Lock()
	s.tunables = t
	s.mu.Unlock()

	logging.Component("bootstrap").WithFields(logrus.Fields{
		"top_k":     t.Retrieval.TopK,
		"cache_ttl": t.Cache.TTL.String(),
		"max_turns": t.Context.MaxHistoryTurns,
	}).Info("Tunables applied")
}

// Tunables returns the tunables currently in effect
func (s *Services) Tunables() config.Tunables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunables
}

// Close waits for background work and releases every connection
func (s *Services) Close() {
	if s.RAG != nil {
		s.RAG.Close()
	}
	if s.PubSub != nil {
		_ = s.PubSub.Stop()
	}
	if s.Cache != nil {
		s.Cache.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func contextLimits(t config.Tunables) services.ContextLimits {
	return services.ContextLimits{
		MaxTurns: t.Context.MaxHistoryTurns,
		MaxChars: t.Context.MaxHistoryChars,
	}
}

func insightPolicy(t config.Tunables) services.InsightPolicy {
	return services.InsightPolicy{
		MinInterval:      t.Insight.MinInterval,
		MinMessageLength: t.Insight.MinMessageLength,
		RecentTurns:      t.Insight.RecentTurns,
	}
}
