package services

import (
	"context"
	"fmt"
	"time"

	"chatcontext/internal/models"
)

// InsightStore persists AI insight profiles and their audit log.
// Every method is scoped to a single user.
type InsightStore interface {
	// GetProfile returns the profile or ErrNotFound
	GetProfile(ctx context.Context, userID string) (*models.AIInsightProfile, error)
	// UpdateProfile reads the stored profile, applies fn to it and persists
	// the result with the optional log entry in one unit of work
	UpdateProfile(ctx context.Context, userID string, fn ProfileMutation) error
	// MarkAnalyzed advances lastAnalysisAt, creating an empty profile when none exists
	MarkAnalyzed(ctx context.Context, userID string, at time.Time) error
	// ListLog returns the user's audit entries, newest first
	ListLog(ctx context.Context, userID string, page, pageSize int) ([]models.InsightUpdateLogEntry, error)
}

// ProfileMutation computes the next profile from the stored one, which is
// nil when the user has none. A nil profile leaves the store unchanged and
// entry may be nil. An error aborts the unit of work. fn may run more than
// once when the backend retries a conflicting transaction.
type ProfileMutation func(current *models.AIInsightProfile) (*models.AIInsightProfile, *models.InsightUpdateLogEntry, error)

func checkProfileOwner(userID string, profile *models.AIInsightProfile, entry *models.InsightUpdateLogEntry) error {
	if userID == "" || profile.UserID != userID || (entry != nil && entry.UserID != userID) {
		return fmt.Errorf("%w: profile and log entry must belong to the same user", ErrInvalidInput)
	}
	return nil
}

func newEmptyProfile(userID string, now time.Time) *models.AIInsightProfile {
	return &models.AIInsightProfile{
		UserID:            userID,
		PersonalityTraits: []string{},
		BehaviorPatterns:  map[string]string{},
		TopicInterests:    []string{},
		PainPoints:        []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
