package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatcontext/internal/database"
	"chatcontext/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// PostgresKnowledgeStore keeps fragments in Postgres with pgvector embeddings
type PostgresKnowledgeStore struct {
	db *database.Postgres
}

// NewPostgresKnowledgeStore creates a knowledge store on db
func NewPostgresKnowledgeStore(db *database.Postgres) *PostgresKnowledgeStore {
	return &PostgresKnowledgeStore{db: db}
}

const pgFragmentColumns = `id::text, user_id, content, content_type, topics, sentiment, importance, created_at, last_accessed, access_count`

const pgInsertFragment = `INSERT INTO knowledge_fragments
	(id, user_id, content, content_type, embedding, topics, sentiment, importance, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func fragmentArgs(f *models.KnowledgeFragment) []interface{} {
	var embedding *pgvector.Vector
	if f.HasEmbedding() {
		v := pgvector.NewVector(f.Embedding)
		embedding = &v
	}
	return []interface{}{f.ID, f.UserID, f.Content, string(f.ContentType), embedding, f.Topics, f.Sentiment, f.Importance, f.CreatedAt}
}

// Insert stores one fragment
func (s *PostgresKnowledgeStore) Insert(ctx context.Context, fragment *models.KnowledgeFragment) error {
	if err := prepareFragment(fragment, s.db.Dimensions()); err != nil {
		return err
	}
	if _, err := s.db.Pool.Exec(ctx, pgInsertFragment, fragmentArgs(fragment)...); err != nil {
		return fmt.Errorf("failed to insert fragment: %w", err)
	}
	return nil
}

// InsertBatch stores all fragments in one transaction
func (s *PostgresKnowledgeStore) InsertBatch(ctx context.Context, fragments []*models.KnowledgeFragment) error {
	if len(fragments) == 0 {
		return nil
	}
	for _, f := range fragments {
		if err := prepareFragment(f, s.db.Dimensions()); err != nil {
			return err
		}
	}

	return pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, f := range fragments {
			batch.Queue(pgInsertFragment, fragmentArgs(f)...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert fragment batch: %w", err)
		}
		return nil
	})
}

// Candidates runs the lexical + vector candidate query for one user
func (s *PostgresKnowledgeStore) Candidates(ctx context.Context, userID, queryText string, queryEmbedding []float32, minSimilarity float64, limit int) ([]models.CandidateFragment, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	var query *pgvector.Vector
	if len(queryEmbedding) > 0 {
		v := pgvector.NewVector(queryEmbedding)
		query = &v
	}
	needle := strings.TrimSpace(queryText)

	// Exact matches sort first so they survive the LIMIT regardless of similarity.
	sql := `SELECT ` + pgFragmentColumns + `,
			CASE WHEN $2::vector IS NULL OR embedding IS NULL THEN 0
			     ELSE 1 - (embedding <=> $2::vector) END AS similarity,
			(length($3::text) > 0 AND position(lower($3::text) IN lower(content)) > 0) AS exact_match
		FROM knowledge_fragments
		WHERE user_id = $1
		  AND ((length($3::text) > 0 AND position(lower($3::text) IN lower(content)) > 0)
		    OR ($2::vector IS NOT NULL AND embedding IS NOT NULL AND 1 - (embedding <=> $2::vector) > $4))
		ORDER BY exact_match DESC, similarity DESC, created_at DESC
		LIMIT $5`

	rows, err := s.db.Pool.Query(ctx, sql, userID, query, needle, minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.CandidateFragment
	for rows.Next() {
		var c models.CandidateFragment
		if err := scanPgFragment(rows, &c.KnowledgeFragment, &c.Similarity, &c.ExactMatch); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// TouchAccess bumps access bookkeeping of the given fragments
func (s *PostgresKnowledgeStore) TouchAccess(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE knowledge_fragments
		 SET access_count = access_count + 1, last_accessed = $3
		 WHERE user_id = $1 AND id = ANY($2::text[]::uuid[])`,
		userID, ids, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update access: %w", err)
	}
	return nil
}

// List returns a page of the user's fragments, newest first
func (s *PostgresKnowledgeStore) List(ctx context.Context, userID string, contentType models.ContentType, page, pageSize int) ([]models.KnowledgeFragment, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int64
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM knowledge_fragments WHERE user_id = $1 AND ($2::text = '' OR content_type = $2::text)`,
		userID, string(contentType),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count fragments: %w", err)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+pgFragmentColumns+`
		 FROM knowledge_fragments
		 WHERE user_id = $1 AND ($2::text = '' OR content_type = $2::text)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		userID, string(contentType), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list fragments: %w", err)
	}
	defer rows.Close()

	fragments := []models.KnowledgeFragment{}
	for rows.Next() {
		var f models.KnowledgeFragment
		if err := scanPgFragment(rows, &f); err != nil {
			return nil, 0, err
		}
		fragments = append(fragments, f)
	}
	return fragments, total, rows.Err()
}

// Stats counts the user's fragments per content type
func (s *PostgresKnowledgeStore) Stats(ctx context.Context, userID string) (*models.KnowledgeStats, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT content_type, count(*), count(embedding), max(created_at)
		 FROM knowledge_fragments WHERE user_id = $1 GROUP BY content_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	defer rows.Close()

	stats := &models.KnowledgeStats{ByContentType: map[models.ContentType]int64{}}
	for rows.Next() {
		var (
			contentType   string
			count, embeds int64
			newest        time.Time
		)
		if err := rows.Scan(&contentType, &count, &embeds, &newest); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByContentType[models.ContentType(contentType)] = count
		stats.Total += count
		stats.WithEmbedding += embeds
		if stats.Newest == nil || newest.After(*stats.Newest) {
			n := newest
			stats.Newest = &n
		}
	}
	return stats, rows.Err()
}

// Migrate creates the schema
func (s *PostgresKnowledgeStore) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx)
}

// Ping checks the database
func (s *PostgresKnowledgeStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanPgFragment(rows pgx.Rows, f *models.KnowledgeFragment, extra ...interface{}) error {
	var contentType string
	dest := []interface{}{
		&f.ID, &f.UserID, &f.Content, &contentType, &f.Topics, &f.Sentiment,
		&f.Importance, &f.CreatedAt, &f.LastAccessed, &f.AccessCount,
	}
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("failed to scan fragment: %w", err)
	}
	f.ContentType = models.ContentType(contentType)
	return nil
}
