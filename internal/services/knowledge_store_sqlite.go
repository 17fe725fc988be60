package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatcontext/internal/database"
	"chatcontext/internal/models"
	"chatcontext/internal/vector"
)

// SQLiteKnowledgeStore keeps fragments in the embedded database.
// Embeddings are stored as JSON and compared in Go.
type SQLiteKnowledgeStore struct {
	db         *database.DB
	dimensions int
}

// NewSQLiteKnowledgeStore creates a knowledge store on db
func NewSQLiteKnowledgeStore(db *database.DB, dimensions int) *SQLiteKnowledgeStore {
	return &SQLiteKnowledgeStore{db: db, dimensions: dimensions}
}

const sqliteFragmentColumns = `id, user_id, content, content_type, embedding, topics, sentiment, importance, created_at, last_accessed, access_count`

const sqliteInsertFragment = `INSERT INTO knowledge_fragments
	(id, user_id, content, content_type, embedding, topics, sentiment, importance, created_at, access_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteKnowledgeStore) insert(ctx context.Context, db execer, f *models.KnowledgeFragment) error {
	embedding, err := vector.Encode(f.Embedding)
	if err != nil {
		return err
	}
	topics, err := json.Marshal(f.Topics)
	if err != nil {
		return err
	}
	var embeddingArg interface{}
	if embedding != nil {
		embeddingArg = string(embedding)
	}

	_, err = db.ExecContext(ctx, sqliteInsertFragment,
		f.ID, f.UserID, f.Content, string(f.ContentType), embeddingArg, string(topics),
		f.Sentiment, f.Importance, f.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert fragment: %w", err)
	}
	return nil
}

// Insert stores one fragment
func (s *SQLiteKnowledgeStore) Insert(ctx context.Context, fragment *models.KnowledgeFragment) error {
	if err := prepareFragment(fragment, s.dimensions); err != nil {
		return err
	}
	return s.insert(ctx, s.db, fragment)
}

// InsertBatch stores all fragments in one transaction
func (s *SQLiteKnowledgeStore) InsertBatch(ctx context.Context, fragments []*models.KnowledgeFragment) error {
	if len(fragments) == 0 {
		return nil
	}
	for _, f := range fragments {
		if err := prepareFragment(f, s.dimensions); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, f := range fragments {
		if err := s.insert(ctx, tx, f); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Candidates scans the user's fragments and scores them in Go
func (s *SQLiteKnowledgeStore) Candidates(ctx context.Context, userID, queryText string, queryEmbedding []float32, minSimilarity float64, limit int) ([]models.CandidateFragment, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	needle := strings.TrimSpace(queryText)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteFragmentColumns+` FROM knowledge_fragments WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.CandidateFragment
	for rows.Next() {
		var c models.CandidateFragment
		if err := scanSQLiteFragment(rows, &c.KnowledgeFragment); err != nil {
			return nil, err
		}

		c.ExactMatch = containsFold(c.Content, needle)
		if len(queryEmbedding) > 0 && c.HasEmbedding() {
			c.Similarity = vector.CosineSimilarity(queryEmbedding, c.Embedding)
		}
		if !c.ExactMatch && !(len(queryEmbedding) > 0 && c.Similarity > minSimilarity) {
			continue
		}
		c.Embedding = nil
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ExactMatch != b.ExactMatch {
			return a.ExactMatch
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// TouchAccess bumps access bookkeeping of the given fragments
func (s *SQLiteKnowledgeStore) TouchAccess(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []interface{}{time.Now().UTC().UnixNano(), userID}
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_fragments
		 SET access_count = access_count + 1, last_accessed = ?
		 WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to update access: %w", err)
	}
	return nil
}

// List returns a page of the user's fragments, newest first
func (s *SQLiteKnowledgeStore) List(ctx context.Context, userID string, contentType models.ContentType, page, pageSize int) ([]models.KnowledgeFragment, int64, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_fragments WHERE user_id = ? AND (? = '' OR content_type = ?)`,
		userID, string(contentType), string(contentType),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count fragments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteFragmentColumns+`
		 FROM knowledge_fragments
		 WHERE user_id = ? AND (? = '' OR content_type = ?)
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?`,
		userID, string(contentType), string(contentType), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list fragments: %w", err)
	}
	defer rows.Close()

	fragments := []models.KnowledgeFragment{}
	for rows.Next() {
		var f models.KnowledgeFragment
		if err := scanSQLiteFragment(rows, &f); err != nil {
			return nil, 0, err
		}
		f.Embedding = nil
		fragments = append(fragments, f)
	}
	return fragments, total, rows.Err()
}

// Stats counts the user's fragments per content type
func (s *SQLiteKnowledgeStore) Stats(ctx context.Context, userID string) (*models.KnowledgeStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_type, COUNT(*), COUNT(embedding), MAX(created_at)
		 FROM knowledge_fragments WHERE user_id = ? GROUP BY content_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	defer rows.Close()

	stats := &models.KnowledgeStats{ByContentType: map[models.ContentType]int64{}}
	for rows.Next() {
		var (
			contentType   string
			count, embeds int64
			newest        int64
		)
		if err := rows.Scan(&contentType, &count, &embeds, &newest); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByContentType[models.ContentType(contentType)] = count
		stats.Total += count
		stats.WithEmbedding += embeds
		n := time.Unix(0, newest).UTC()
		if stats.Newest == nil || n.After(*stats.Newest) {
			stats.Newest = &n
		}
	}
	return stats, rows.Err()
}

// Migrate creates the schema
func (s *SQLiteKnowledgeStore) Migrate(ctx context.Context) error {
	return s.db.Initialize(ctx)
}

// Ping checks the database
func (s *SQLiteKnowledgeStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanSQLiteFragment(rows *sql.Rows, f *models.KnowledgeFragment) error {
	var (
		contentType  string
		embedding    sql.NullString
		topics       string
		sentiment    sql.NullString
		createdAt    int64
		lastAccessed sql.NullInt64
	)
	if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &contentType, &embedding, &topics,
		&sentiment, &f.Importance, &createdAt, &lastAccessed, &f.AccessCount); err != nil {
		return fmt.Errorf("failed to scan fragment: %w", err)
	}

	f.ContentType = models.ContentType(contentType)
	f.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastAccessed.Valid {
		t := time.Unix(0, lastAccessed.Int64).UTC()
		f.LastAccessed = &t
	}
	if sentiment.Valid {
		s := sentiment.String
		f.Sentiment = &s
	}
	if err := json.Unmarshal([]byte(topics), &f.Topics); err != nil {
		return fmt.Errorf("failed to decode topics: %w", err)
	}
	if embedding.Valid {
		v, err := vector.Decode([]byte(embedding.String))
		if err != nil {
			return err
		}
		f.Embedding = v
	}
	return nil
}
