package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatcontext/internal/database"
	"chatcontext/internal/models"
	"chatcontext/internal/vector"

	"github.com/google/uuid"
)

// SQLiteCacheStore is the embedded L2 cache
type SQLiteCacheStore struct {
	db     *database.DB
	sealer ResponseSealer
}

// NewSQLiteCacheStore creates a cache store on db. sealer may be nil.
func NewSQLiteCacheStore(db *database.DB, sealer ResponseSealer) *SQLiteCacheStore {
	return &SQLiteCacheStore{db: db, sealer: sealer}
}

func (s *SQLiteCacheStore) Get(ctx context.Context, userID, queryHash string) (*models.CacheEntry, error) {
	var (
		entry     models.CacheEntry
		embedding sql.NullString
		response  string
		lastHit   sql.NullInt64
		createdAt int64
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, query_hash, query_embedding, response, hit_count, last_hit, created_at, expires_at
		 FROM semantic_cache WHERE user_id = ? AND query_hash = ?`,
		userID, queryHash,
	).Scan(&entry.ID, &entry.UserID, &entry.QueryHash, &embedding, &response, &entry.HitCount, &lastHit, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	entry.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if lastHit.Valid {
		t := time.Unix(0, lastHit.Int64).UTC()
		entry.LastHit = &t
	}
	if embedding.Valid {
		if entry.QueryEmbedding, err = vector.Decode([]byte(embedding.String)); err != nil {
			return nil, err
		}
	}
	if entry.Response, err = decodeResponse(s.sealer, userID, response); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteCacheStore) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	response, err := encodeResponse(s.sealer, entry.UserID, entry.Response)
	if err != nil {
		return err
	}
	var embeddingArg interface{}
	if embedding, err := vector.Encode(entry.QueryEmbedding); err != nil {
		return err
	} else if embedding != nil {
		embeddingArg = string(embedding)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO semantic_cache (id, user_id, query_hash, query_embedding, response, hit_count, last_hit, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?)
		 ON CONFLICT (user_id, query_hash) DO UPDATE SET
		   query_embedding = excluded.query_embedding,
		   response        = excluded.response,
		   hit_count       = 0,
		   last_hit        = NULL,
		   created_at      = excluded.created_at,
		   expires_at      = excluded.expires_at`,
		entry.ID, entry.UserID, entry.QueryHash, embeddingArg, response,
		entry.CreatedAt.UnixNano(), entry.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteCacheStore) RecordHit(ctx context.Context, userID, queryHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE semantic_cache SET hit_count = hit_count + 1, last_hit = ?
		 WHERE user_id = ? AND query_hash = ? AND expires_at > ?`,
		at.UnixNano(), userID, queryHash, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record cache hit: %w", err)
	}
	return nil
}

func (s *SQLiteCacheStore) DeleteUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteCacheStore) Trim(ctx context.Context, maxPerUser int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM semantic_cache WHERE id IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (
		       PARTITION BY user_id
		       ORDER BY (last_hit IS NULL) ASC, last_hit DESC, created_at DESC
		     ) AS pos
		     FROM semantic_cache
		   ) WHERE pos > ?
		 )`, maxPerUser)
	if err != nil {
		return 0, fmt.Errorf("failed to trim cache: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteCacheStore) Stats(ctx context.Context, userID string, now time.Time) (*models.CacheStats, error) {
	var stats models.CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(hit_count), 0)
		 FROM semantic_cache WHERE user_id = ?`,
		now.UnixNano(), userID,
	).Scan(&stats.Entries, &stats.LiveEntries, &stats.TotalHits)
	if err != nil {
		return nil, fmt.Errorf("failed to compute cache stats: %w", err)
	}
	return &stats, nil
}
