package database

import (
	"context"
	"fmt"
	"time"

	"chatcontext/internal/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Postgres wraps a pgx pool with pgvector types registered
type Postgres struct {
	Pool       *pgxpool.Pool
	dimensions int
}

// NewPostgres connects to Postgres, ensures the vector extension exists and
// opens a pool whose connections understand the vector type.
func NewPostgres(ctx context.Context, url string, dimensions int) (*Postgres, error) {
	log := logging.Component("postgres")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// The extension must exist before pgvector types can be registered on pool connections.
	bootstrap, err := pgx.Connect(connectCtx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if _, err := bootstrap.Exec(connectCtx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		bootstrap.Close(context.Background())
		return nil, fmt.Errorf("failed to enable vector extension: %w", err)
	}
	bootstrap.Close(context.Background())

	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}

	log.Info("Connected to Postgres (pgvector enabled)")

	return &Postgres{Pool: pool, dimensions: dimensions}, nil
}

// Migrate creates the knowledge schema idempotently
func (p *Postgres) Migrate(ctx context.Context) error {
	log := logging.Component("postgres")
	log.Info("Checking knowledge schema")

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_fragments (
			id            UUID PRIMARY KEY,
			user_id       TEXT NOT NULL,
			content       TEXT NOT NULL,
			content_type  TEXT NOT NULL CHECK (content_type IN ('user_fact', 'conversation', 'document')),
			embedding     vector(%d),
			topics        TEXT[] NOT NULL DEFAULT '{}',
			sentiment     TEXT,
			importance    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_accessed TIMESTAMPTZ,
			access_count  BIGINT NOT NULL DEFAULT 0
		)`, p.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_knowledge_user_created ON knowledge_fragments (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_user_type ON knowledge_fragments (user_id, content_type)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_embedding_hnsw ON knowledge_fragments USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate knowledge schema: %w", err)
		}
	}

	log.Info("Knowledge schema ready")
	return nil
}

// Dimensions returns the configured embedding dimension
func (p *Postgres) Dimensions() int {
	return p.dimensions
}

// Ping checks if the database connection is alive
func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

// Close closes the pool
func (p *Postgres) Close() {
	logging.Component("postgres").Info("Closing Postgres pool")
	p.Pool.Close()
}
