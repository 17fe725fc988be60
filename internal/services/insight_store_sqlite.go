package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatcontext/internal/database"
	"chatcontext/internal/models"

	"github.com/google/uuid"
)

// SQLiteInsightStore keeps profiles and the audit log as JSON documents
type SQLiteInsightStore struct {
	db *database.DB
}

// NewSQLiteInsightStore creates an insight store on db
func NewSQLiteInsightStore(db *database.DB) *SQLiteInsightStore {
	return &SQLiteInsightStore{db: db}
}

func (s *SQLiteInsightStore) GetProfile(ctx context.Context, userID string) (*models.AIInsightProfile, error) {
	return s.getProfile(ctx, s.db, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteInsightStore) getProfile(ctx context.Context, q queryRower, userID string) (*models.AIInsightProfile, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT profile FROM ai_insight_profiles WHERE user_id = ?`, userID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read insight profile: %w", err)
	}

	var profile models.AIInsightProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("failed to decode insight profile: %w", err)
	}
	if profile.UserID != userID {
		return nil, fmt.Errorf("insight profile owner mismatch")
	}
	return &profile, nil
}

func upsertProfile(ctx context.Context, tx *sql.Tx, profile *models.AIInsightProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode insight profile: %w", err)
	}
	var lastAnalysis interface{}
	if profile.LastAnalysisAt != nil {
		lastAnalysis = profile.LastAnalysisAt.UnixNano()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ai_insight_profiles (user_id, profile, last_analysis_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   profile          = excluded.profile,
		   last_analysis_at = excluded.last_analysis_at,
		   updated_at       = excluded.updated_at`,
		profile.UserID, string(data), lastAnalysis, profile.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store insight profile: %w", err)
	}
	return nil
}

func (s *SQLiteInsightStore) UpdateProfile(ctx context.Context, userID string, fn ProfileMutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.getProfile(ctx, tx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	profile, entry, err := fn(current)
	if err != nil {
		return err
	}
	if profile == nil {
		return nil
	}
	if err := checkProfileOwner(userID, profile, entry); err != nil {
		return err
	}

	if err := upsertProfile(ctx, tx, profile); err != nil {
		return err
	}
	if entry != nil {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode insight log entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ai_insight_update_log (id, user_id, entry, created_at) VALUES (?, ?, ?, ?)`,
			entry.ID, entry.UserID, string(data), entry.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to append insight log entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteInsightStore) MarkAnalyzed(ctx context.Context, userID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	profile, err := s.getProfile(ctx, tx, userID)
	if errors.Is(err, ErrNotFound) {
		profile = newEmptyProfile(userID, at)
	} else if err != nil {
		return err
	}
	profile.LastAnalysisAt = &at

	if err := upsertProfile(ctx, tx, profile); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteInsightStore) ListLog(ctx context.Context, userID string, page, pageSize int) ([]models.InsightUpdateLogEntry, error) {
	page, pageSize = normalizePage(page, pageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM ai_insight_update_log WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list insight log: %w", err)
	}
	defer rows.Close()

	entries := []models.InsightUpdateLogEntry{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entry models.InsightUpdateLogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode insight log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
