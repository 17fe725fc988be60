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

// MongoCacheStore keeps the L2 cache in MongoDB.
// A TTL index on expiresAt reaps dead entries in addition to the cleanup job.
type MongoCacheStore struct {
	collection *mongo.Collection
	sealer     ResponseSealer
}

type mongoCacheDoc struct {
	ID             string     `bson:"_id"`
	UserID         string     `bson:"userId"`
	QueryHash      string     `bson:"queryHash"`
	QueryEmbedding []float32  `bson:"queryEmbedding,omitempty"`
	Response       string     `bson:"response"` // JSON, or "enc:" + sealed JSON
	HitCount       int64      `bson:"hitCount"`
	LastHit        *time.Time `bson:"lastHit,omitempty"`
	CreatedAt      time.Time  `bson:"createdAt"`
	ExpiresAt      time.Time  `bson:"expiresAt"`
}

// NewMongoCacheStore creates a cache store on the semantic_cache collection
func NewMongoCacheStore(db *database.MongoDB, sealer ResponseSealer) *MongoCacheStore {
	return &MongoCacheStore{
		collection: db.Collection(database.CollectionSemanticCache),
		sealer:     sealer,
	}
}

func (s *MongoCacheStore) Get(ctx context.Context, userID, queryHash string) (*models.CacheEntry, error) {
	var doc mongoCacheDoc
	err := s.collection.FindOne(ctx, bson.M{"userId": userID, "queryHash": queryHash}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	response, err := decodeResponse(s.sealer, userID, doc.Response)
	if err != nil {
		return nil, err
	}

	return &models.CacheEntry{
		ID:             doc.ID,
		UserID:         doc.UserID,
		QueryHash:      doc.QueryHash,
		QueryEmbedding: doc.QueryEmbedding,
		Response:       response,
		HitCount:       doc.HitCount,
		LastHit:        doc.LastHit,
		CreatedAt:      doc.CreatedAt,
		ExpiresAt:      doc.ExpiresAt,
	}, nil
}

func (s *MongoCacheStore) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	response, err := encodeResponse(s.sealer, entry.UserID, entry.Response)
	if err != nil {
		return err
	}

	filter := bson.M{"userId": entry.UserID, "queryHash": entry.QueryHash}
	update := bson.M{
		"$set": bson.M{
			"queryEmbedding": entry.QueryEmbedding,
			"response":       response,
			"createdAt":      entry.CreatedAt,
			"expiresAt":      entry.ExpiresAt,
			"hitCount":       int64(0),
		},
		// a replaced response starts with fresh hit bookkeeping
		"$unset":       bson.M{"lastHit": ""},
		"$setOnInsert": bson.M{"_id": entry.ID},
	}

	if _, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

func (s *MongoCacheStore) RecordHit(ctx context.Context, userID, queryHash string, at time.Time) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"userId": userID, "queryHash": queryHash, "expiresAt": bson.M{"$gt": at}},
		bson.M{"$inc": bson.M{"hitCount": 1}, "$set": bson.M{"lastHit": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to record cache hit: %w", err)
	}
	return nil
}

func (s *MongoCacheStore) DeleteUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoCacheStore) Trim(ctx context.Context, maxPerUser int) (int64, error) {
	cursor, err := s.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$userId", "count": bson.M{"$sum": 1}}}},
		{{Key: "$match", Value: bson.M{"count": bson.M{"$gt": maxPerUser}}}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find oversized caches: %w", err)
	}

	var oversized []struct {
		UserID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &oversized); err != nil {
		return 0, fmt.Errorf("failed to decode oversized caches: %w", err)
	}

	var deleted int64
	for _, user := range oversized {
		findOpts := options.Find().
			SetSort(bson.D{{Key: "lastHit", Value: -1}, {Key: "createdAt", Value: -1}}).
			SetSkip(int64(maxPerUser)).
			SetProjection(bson.M{"_id": 1})

		cur, err := s.collection.Find(ctx, bson.M{"userId": user.UserID}, findOpts)
		if err != nil {
			return deleted, fmt.Errorf("failed to list evictable entries: %w", err)
		}
		var victims []struct {
			ID string `bson:"_id"`
		}
		if err := cur.All(ctx, &victims); err != nil {
			return deleted, fmt.Errorf("failed to decode evictable entries: %w", err)
		}
		if len(victims) == 0 {
			continue
		}

		ids := make([]string, 0, len(victims))
		for _, v := range victims {
			ids = append(ids, v.ID)
		}
		res, err := s.collection.DeleteMany(ctx, bson.M{"userId": user.UserID, "_id": bson.M{"$in": ids}})
		if err != nil {
			return deleted, fmt.Errorf("failed to trim cache: %w", err)
		}
		deleted += res.DeletedCount
	}
	return deleted, nil
}

func (s *MongoCacheStore) Stats(ctx context.Context, userID string, now time.Time) (*models.CacheStats, error) {
	stats := &models.CacheStats{}
	var err error

	if stats.Entries, err = s.collection.CountDocuments(ctx, bson.M{"userId": userID}); err != nil {
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}
	if stats.LiveEntries, err = s.collection.CountDocuments(ctx, bson.M{"userId": userID, "expiresAt": bson.M{"$gt": now}}); err != nil {
		return nil, fmt.Errorf("failed to count live cache entries: %w", err)
	}

	cursor, err := s.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"userId": userID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "hits": bson.M{"$sum": "$hitCount"}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sum cache hits: %w", err)
	}
	var totals []struct {
		Hits int64 `bson:"hits"`
	}
	if err := cursor.All(ctx, &totals); err != nil {
		return nil, fmt.Errorf("failed to decode cache hits: %w", err)
	}
	if len(totals) > 0 {
		stats.TotalHits = totals[0].Hits
	}
	return stats, nil
}
