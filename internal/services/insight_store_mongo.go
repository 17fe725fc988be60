package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcontext/internal/database"
	"chatcontext/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoInsightStore keeps profiles in ai_insight_profiles and the audit
// log in ai_insight_update_log. UpdateProfile needs a replica set.
type MongoInsightStore struct {
	db       *database.MongoDB
	profiles *mongo.Collection
	log      *mongo.Collection
}

// NewMongoInsightStore creates an insight store on db
func NewMongoInsightStore(db *database.MongoDB) *MongoInsightStore {
	return &MongoInsightStore{
		db:       db,
		profiles: db.Collection(database.CollectionInsightProfiles),
		log:      db.Collection(database.CollectionInsightUpdateLog),
	}
}

func (s *MongoInsightStore) GetProfile(ctx context.Context, userID string) (*models.AIInsightProfile, error) {
	var profile models.AIInsightProfile
	err := s.profiles.FindOne(ctx, bson.M{"userId": userID}).Decode(&profile)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read insight profile: %w", err)
	}
	return &profile, nil
}

func (s *MongoInsightStore) UpdateProfile(ctx context.Context, userID string, fn ProfileMutation) error {
	return s.db.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		var current *models.AIInsightProfile
		var stored models.AIInsightProfile
		err := s.profiles.FindOne(sessCtx, bson.M{"userId": userID}).Decode(&stored)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return fmt.Errorf("failed to read insight profile: %w", err)
		default:
			current = &stored
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

		if _, err := s.profiles.ReplaceOne(sessCtx,
			bson.M{"userId": userID},
			profile,
			options.Replace().SetUpsert(true),
		); err != nil {
			return fmt.Errorf("failed to store insight profile: %w", err)
		}
		if entry != nil {
			if entry.ID == "" {
				entry.ID = uuid.New().String()
			}
			if _, err := s.log.InsertOne(sessCtx, entry); err != nil {
				return fmt.Errorf("failed to append insight log entry: %w", err)
			}
		}
		return nil
	})
}

func (s *MongoInsightStore) MarkAnalyzed(ctx context.Context, userID string, at time.Time) error {
	empty := newEmptyProfile(userID, at)
	_, err := s.profiles.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{
			"$set": bson.M{"lastAnalysisAt": at},
			"$setOnInsert": bson.M{
				"personalityTraits": empty.PersonalityTraits,
				"behaviorPatterns":  empty.BehaviorPatterns,
				"topicInterests":    empty.TopicInterests,
				"painPoints":        empty.PainPoints,
				"confidenceScore":   0.0,
				"aiMetadata":        empty.AIMetadata,
				"createdAt":         at,
				"updatedAt":         at,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to record insight analysis: %w", err)
	}
	return nil
}

func (s *MongoInsightStore) ListLog(ctx context.Context, userID string, page, pageSize int) ([]models.InsightUpdateLogEntry, error) {
	page, pageSize = normalizePage(page, pageSize)

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))

	cursor, err := s.log.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list insight log: %w", err)
	}

	entries := []models.InsightUpdateLogEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode insight log: %w", err)
	}
	return entries, nil
}
